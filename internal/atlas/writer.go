package atlas

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"longiatlas/internal/model"
)

const (
	AtlasAgesFile = "atlasAge.txt"
	WeightsFile   = "weights.txt"
	SubjectsFile  = "subjects.txt"
)

// Writer lays out per-atlas output directories under OutDir. When Prefix is
// set, selected subject files are copied to atlas_<i>/<dir(Prefix)> and
// renamed <base(Prefix)>_<j><ext>.
type Writer struct {
	OutDir string
	Prefix string
	Logger *zap.Logger
}

// AtlasDir returns the output directory of the 1-based atlas index.
func (w Writer) AtlasDir(index int) string {
	return filepath.Join(w.OutDir, "atlas_"+strconv.Itoa(index))
}

// WriteAtlasAges writes the chosen grid age of every assignment, one per line.
func (w Writer) WriteAtlasAges(assignments []model.AtlasAssignment) (string, error) {
	if err := os.MkdirAll(w.OutDir, 0o755); err != nil {
		return "", err
	}
	ages := make([]float64, 0, len(assignments))
	for _, a := range assignments {
		ages = append(ages, a.Time)
	}
	path := filepath.Join(w.OutDir, AtlasAgesFile)
	return path, writeFloats(path, ages)
}

// Write replaces the atlas directory of a resolved assignment.
func (w Writer) Write(a model.AtlasAssignment) (string, error) {
	if len(a.Subjects) != len(a.Weights) {
		return "", fmt.Errorf("atlas %d has %d subjects but %d weights", a.Index, len(a.Subjects), len(a.Weights))
	}
	dir := w.AtlasDir(a.Index)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	if w.Prefix != "" {
		prefixDir, prefixBase := filepath.Split(w.Prefix)
		copyDir := filepath.Join(dir, prefixDir)
		if err := os.MkdirAll(copyDir, 0o755); err != nil {
			return "", err
		}
		for j, src := range a.Subjects {
			dst := filepath.Join(copyDir, prefixBase+"_"+strconv.Itoa(j+1)+ImageExt(src))
			if err := copyFile(src, dst); err != nil {
				return "", fmt.Errorf("copy subject %s: %w", src, err)
			}
		}
	}

	if err := writeFloats(filepath.Join(dir, WeightsFile), a.Weights); err != nil {
		return "", err
	}
	if err := writeLines(filepath.Join(dir, SubjectsFile), a.Subjects); err != nil {
		return "", err
	}

	if w.Logger != nil {
		w.Logger.Info("atlas written",
			zap.Int("atlas", a.Index),
			zap.Float64("age", a.Time),
			zap.Int("subjects", len(a.Subjects)),
			zap.String("dir", dir),
		)
	}
	return dir, nil
}

// ImageExt returns the file extension, keeping the inner extension of
// compressed files such as ".nii.gz".
func ImageExt(path string) string {
	ext := filepath.Ext(path)
	if strings.EqualFold(ext, ".gz") {
		ext = filepath.Ext(strings.TrimSuffix(path, ext)) + ext
	}
	return ext
}

// ReadWeights reads a weights file written by Write.
func ReadWeights(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parse weight %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func writeFloats(path string, values []float64) error {
	lines := make([]string, 0, len(values))
	for _, v := range values {
		lines = append(lines, strconv.FormatFloat(v, 'e', 18, 64))
	}
	return writeLines(path, lines)
}

func writeLines(path string, lines []string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := bufio.NewWriter(file)
	for _, line := range lines {
		if _, err := buf.WriteString(line); err != nil {
			return err
		}
		if err := buf.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	return file.Sync()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
