package runner

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// iteration is one pass over the ordered collection. vars become runtime
// variables; data is what scripts see through bru.runner.iterationData.
type iteration struct {
	index int
	total int
	vars  map[string]string
	data  map[string]any
}

// planIterations resolves the iteration plan from a CSV or JSON dataset, or
// from IterationCount. Without either a single iteration is returned.
func planIterations(opts RunOptions) ([]iteration, error) {
	var (
		rows []iteration
		err  error
	)
	switch {
	case opts.CSVFilePath != "" && opts.JSONFilePath != "":
		return nil, errors.New("csv-file-path and json-file-path cannot be used together")
	case opts.CSVFilePath != "":
		rows, err = csvRows(opts.CSVFilePath)
	case opts.JSONFilePath != "":
		rows, err = jsonRows(opts.JSONFilePath)
	default:
		count := max(opts.IterationCount, 1)
		rows = make([]iteration, count)
		for i := range rows {
			rows[i] = iteration{vars: map[string]string{}, data: map[string]any{}}
		}
	}
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].index = i
		rows[i].total = len(rows)
	}
	return rows, nil
}

func csvRows(path string) ([]iteration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv-file-path: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("csv-file-path %s is empty", path)
	}
	if err != nil {
		return nil, fmt.Errorf("csv-file-path: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var out []iteration
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv-file-path: %w", err)
		}
		it := iteration{vars: map[string]string{}, data: map[string]any{}}
		for i, col := range header {
			val := ""
			if i < len(record) {
				val = strings.TrimSpace(record[i])
			}
			it.vars[col] = val
			it.data[col] = val
		}
		out = append(out, it)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("csv-file-path %s contains no data rows", path)
	}
	return out, nil
}

func jsonRows(path string) ([]iteration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("json-file-path: %w", err)
	}
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("json-file-path %s must be a JSON array of objects: %w", path, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("json-file-path %s contains no data rows", path)
	}
	out := make([]iteration, 0, len(items))
	for _, obj := range items {
		it := iteration{vars: map[string]string{}, data: obj}
		for k, v := range obj {
			if s, ok := v.(string); ok {
				it.vars[k] = s
				continue
			}
			b, _ := json.Marshal(v)
			it.vars[k] = string(b)
		}
		out = append(out, it)
	}
	return out, nil
}
