// Package input loads the plain-text lists that drive a weighting run.
package input

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	ErrEmptyList      = errors.New("list file has no entries")
	ErrMissingSubject = errors.New("subject file not found")
)

// Dataset pairs every subject file with its age at acquisition.
type Dataset struct {
	Ages     []float64
	Subjects []string
}

// ReadNumbers reads whitespace-separated real numbers. Text after '#' and
// blank lines are ignored.
func ReadNumbers(path string) ([]float64, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("number list path is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make([]float64, 0, 256)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		for _, field := range strings.Fields(stripComment(scanner.Text())) {
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: parse %q: %w", path, lineNo, field, err)
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				return nil, fmt.Errorf("%s:%d: value %q is not finite", path, lineNo, field)
			}
			values = append(values, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyList)
	}
	return values, nil
}

func ReadAges(path string) ([]float64, error) {
	ages, err := ReadNumbers(path)
	if err != nil {
		return nil, fmt.Errorf("read ages: %w", err)
	}
	return ages, nil
}

func ReadTargets(path string) ([]float64, error) {
	targets, err := ReadNumbers(path)
	if err != nil {
		return nil, fmt.Errorf("read target ages: %w", err)
	}
	return targets, nil
}

// ReadSubjects reads one path per line. Surrounding whitespace, blank lines
// and '#' comment lines are dropped.
func ReadSubjects(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("subject list path is required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read subjects: %w", err)
	}
	defer file.Close()

	subjects := make([]string, 0, 256)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		subjects = append(subjects, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read subjects %s: %w", path, err)
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("read subjects: %s: %w", path, ErrEmptyList)
	}
	return subjects, nil
}

// LoadDataset reads the age list and, when subjectsPath is set, the subject
// list of the same length. Without a subject list subjects are named
// subject_<i> (1-based).
func LoadDataset(agesPath, subjectsPath string) (Dataset, error) {
	ages, err := ReadAges(agesPath)
	if err != nil {
		return Dataset{}, err
	}

	if strings.TrimSpace(subjectsPath) == "" {
		subjects := make([]string, len(ages))
		for i := range subjects {
			subjects[i] = fmt.Sprintf("subject_%d", i+1)
		}
		return Dataset{Ages: ages, Subjects: subjects}, nil
	}

	subjects, err := ReadSubjects(subjectsPath)
	if err != nil {
		return Dataset{}, err
	}
	if len(subjects) != len(ages) {
		return Dataset{}, fmt.Errorf("subject list has %d entries but age list has %d", len(subjects), len(ages))
	}
	return Dataset{Ages: ages, Subjects: subjects}, nil
}

// CheckSubjectFiles stats every subject path and fails on the first one that
// is missing or is a directory.
func CheckSubjectFiles(subjects []string) error {
	for i, path := range subjects {
		st, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("subject %d %s: %w", i+1, path, ErrMissingSubject)
			}
			return fmt.Errorf("subject %d: %w", i+1, err)
		}
		if st.IsDir() {
			return fmt.Errorf("subject %d %s is a directory", i+1, path)
		}
	}
	return nil
}

func stripComment(line string) string {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		return line[:idx]
	}
	return line
}
