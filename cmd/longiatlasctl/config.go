package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	api "longiatlas/pkg/longiatlas"
)

// loadWeightsRequestFromConfig reads a weights run config. Files ending in
// .yaml or .yml are YAML, everything else JSON. Keys follow the long flag
// names with dashes replaced by underscores.
func loadWeightsRequestFromConfig(path string) (api.WeightsRequest, error) {
	raw, err := readConfigMap(path)
	if err != nil {
		return api.WeightsRequest{}, err
	}
	base := filepath.Dir(path)

	var req api.WeightsRequest
	if v, ok := asString(raw["ages"]); ok {
		req.AgesPath = resolvePath(base, v)
	}
	if v, ok := asString(raw["subjects"]); ok {
		req.SubjectsPath = resolvePath(base, v)
	}
	switch v := raw["targets"].(type) {
	case string:
		req.TargetsPath = resolvePath(base, v)
	case []any:
		targets, err := asFloat64Slice(v)
		if err != nil {
			return api.WeightsRequest{}, fmt.Errorf("targets: %w", err)
		}
		req.Targets = targets
	case nil:
	default:
		return api.WeightsRequest{}, fmt.Errorf("targets must be a file path or a list of ages, got %T", v)
	}
	if v, ok := asString(raw["out"]); ok {
		req.OutDir = resolvePath(base, v)
	}
	if v, ok := asString(raw["prefix"]); ok {
		req.Prefix = v
	}
	if v, ok := asString(raw["run_id"]); ok {
		req.RunID = v
	}
	for key, dst := range map[string]*int{
		"n":          &req.TargetCount,
		"grid_size":  &req.GridSize,
		"iterations": &req.Iterations,
		"candidates": &req.WindowCandidates,
		"workers":    &req.Workers,
	} {
		v, ok, err := asInt(raw[key])
		if err != nil {
			return api.WeightsRequest{}, fmt.Errorf("%s: %w", key, err)
		}
		if ok {
			*dst = v
		}
	}
	if v, ok := asFloat64(raw["tol_bias"]); ok {
		req.BiasTolerance = v
	}
	if v, ok := asFloat64(raw["init_window"]); ok {
		req.InitialWindow = v
	}
	if v, ok := asBool(raw["check_subjects"]); ok {
		req.CheckSubjects = v
	}
	return req, nil
}

func readConfigMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// resolvePath makes relative config paths relative to the config file.
func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asInt accepts whole numbers only. JSON decodes every number as float64,
// so a fractional value is an error rather than a truncation.
func asInt(v any) (int, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case int:
		return x, true, nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, false, fmt.Errorf("expected an integer, got %v", x)
		}
		return int(x), true, nil
	default:
		return 0, false, fmt.Errorf("expected an integer, got %T", v)
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asFloat64Slice(values []any) ([]float64, error) {
	out := make([]float64, 0, len(values))
	for i, v := range values {
		f, ok := asFloat64(v)
		if !ok {
			return nil, fmt.Errorf("entry %d is not a number: %v", i, v)
		}
		out = append(out, f)
	}
	return out, nil
}

func overrideFromFlags(req *api.WeightsRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "ages":
			req.AgesPath = v.(string)
		case "subjects":
			req.SubjectsPath = v.(string)
		case "targets":
			req.TargetsPath = v.(string)
			req.Targets = nil
		case "out":
			req.OutDir = v.(string)
		case "prefix":
			req.Prefix = v.(string)
		case "run-id":
			req.RunID = v.(string)
		case "n":
			req.TargetCount = v.(int)
		case "grid-size":
			req.GridSize = v.(int)
		case "iterations":
			req.Iterations = v.(int)
		case "candidates":
			req.WindowCandidates = v.(int)
		case "tol-bias":
			req.BiasTolerance = v.(float64)
		case "init-window":
			req.InitialWindow = v.(float64)
		case "workers":
			req.Workers = v.(int)
		case "check-subjects":
			req.CheckSubjects = v.(bool)
		default:
			return fmt.Errorf("unsupported override flag: %s", name)
		}
	}
	return nil
}

func loadOrDefaultWeightsRequest(configPath string) (api.WeightsRequest, error) {
	if configPath == "" {
		return api.WeightsRequest{}, nil
	}
	req, err := loadWeightsRequestFromConfig(configPath)
	if err != nil {
		return api.WeightsRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}
