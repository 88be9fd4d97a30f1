// Work-list construction: load identifier sets from exported product lists and
// diff the full catalog against already-collected results.
package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Fatal pre-run errors. Everything past work-list construction degrades to
// missing data instead of failing.
var (
	ErrSourceNotFound = errors.New("source file not found")
	ErrSchema         = errors.New("key column not present")
)

// loadIdentifiers reads one column from a tabular export and returns the
// normalized identifier set: trimmed, empties dropped, deduplicated.
// Loading the same file twice yields the same set.
func loadIdentifiers(path, keyColumn string) (map[string]struct{}, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}

	var header []string
	var rows [][]string
	var err error
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		header, rows, err = readCSVTable(path)
	} else {
		header, rows, err = readXLSXTable(path)
	}
	if err != nil {
		return nil, err
	}

	keyIdx := -1
	for i, h := range header {
		if strings.TrimSpace(h) == keyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("%w: %q not in %v", ErrSchema, keyColumn, header)
	}

	out := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if keyIdx >= len(row) {
			continue
		}
		id := strings.TrimSpace(row[keyIdx])
		if id == "" {
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}

func readXLSXTable(path string) (header []string, rows [][]string, err error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open xlsx %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("xlsx %s: no sheets", path)
	}
	all, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, fmt.Errorf("read xlsx %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}

func readCSVTable(path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	// strip UTF-8 BOM an Excel export may carry
	if len(all[0]) > 0 {
		all[0][0] = strings.TrimPrefix(all[0][0], "\ufeff")
	}
	return all[0], all[1:], nil
}

// diffWorkList computes full minus exclude, sorts lexicographically so reruns
// are reproducible, then applies the optional skip predicate last.
func diffWorkList(full, exclude map[string]struct{}, skip func(string) bool) []string {
	out := make([]string, 0, len(full))
	for id := range full {
		if _, done := exclude[id]; done {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)

	if skip == nil {
		return out
	}
	kept := out[:0]
	for _, id := range out {
		if !skip(id) {
			kept = append(kept, id)
		}
	}
	return kept
}

// skipPrefixes builds the exclusion predicate for reserved identifier prefixes.
// The default "25" batch filter from the source list is policy, not algorithm,
// so it arrives here via configuration. Empty input means no predicate.
func skipPrefixes(prefixes []string) func(string) bool {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return func(id string) bool {
		for _, p := range cleaned {
			if strings.HasPrefix(id, p) {
				return true
			}
		}
		return false
	}
}
