package stats

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"longiatlas/internal/model"
)

const ModelInfoFile = "modelInfo.csv"

// Model info columns, in file order. The leading unnamed column is the
// 0-based row index.
var modelInfoColumns = []string{"sampleTime", "windowSize", "windowStart", "windowFrequency", "temporalBias"}

var ErrModelInfoHeader = errors.New("model info header is missing required columns")

// WriteModelInfo writes one row per grid point. Degenerate rows get an
// empty bias cell.
func WriteModelInfo(path string, points []model.GridPoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(append([]string{""}, modelInfoColumns...)); err != nil {
		return err
	}
	for i, p := range points {
		bias := ""
		if !p.Degenerate {
			bias = formatFloat(p.Bias)
		}
		if err := writer.Write([]string{
			strconv.Itoa(i),
			formatFloat(p.Time),
			formatFloat(p.WindowSize),
			formatFloat(p.WindowStart),
			strconv.Itoa(p.Count),
			bias,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Sync()
}

// ReadModelInfo reads a model info table. Columns are matched by name so
// tables with or without the index column are accepted. An empty or NaN
// bias marks the row degenerate.
func ReadModelInfo(path string) ([]model.GridPoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%s: %w", path, ErrModelInfoHeader)
		}
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	idx := make([]int, len(modelInfoColumns))
	missing := make([]string, 0)
	for i, name := range modelInfoColumns {
		pos, ok := cols[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		idx[i] = pos
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%s: %w: %s", path, ErrModelInfoHeader, strings.Join(missing, ", "))
	}

	points := make([]model.GridPoint, 0, 1024)
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var p model.GridPoint
		if p.Time, err = parseCell(record[idx[0]]); err != nil {
			return nil, fmt.Errorf("%s row %d sampleTime: %w", path, row, err)
		}
		if p.WindowSize, err = parseCell(record[idx[1]]); err != nil {
			return nil, fmt.Errorf("%s row %d windowSize: %w", path, row, err)
		}
		if p.WindowStart, err = parseCell(record[idx[2]]); err != nil {
			return nil, fmt.Errorf("%s row %d windowStart: %w", path, row, err)
		}
		count, err := parseCell(record[idx[3]])
		if err != nil {
			return nil, fmt.Errorf("%s row %d windowFrequency: %w", path, row, err)
		}
		p.Count = int(count)

		biasCell := strings.TrimSpace(record[idx[4]])
		if biasCell == "" || strings.EqualFold(biasCell, "nan") {
			p.Degenerate = true
		} else if p.Bias, err = parseCell(biasCell); err != nil {
			return nil, fmt.Errorf("%s row %d temporalBias: %w", path, row, err)
		}
		points = append(points, p)
	}
	return points, nil
}

func parseCell(cell string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(cell), 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
