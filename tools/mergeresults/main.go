// Merge a previous results file with a freshly collected one, keeping one row
// per identifier (earlier file wins). The merged file becomes the exclude list
// for the next incremental run.
//
// Usage:
//
//	mergeresults -base results_merged.xlsx -new results_new.xlsx -out results_merged.xlsx
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

func main() {
	var basePath, newPath, outPath, keyColumn string
	flag.StringVar(&basePath, "base", envString("BASE_PATH", ""), "Previous results file. Env: BASE_PATH")
	flag.StringVar(&newPath, "new", envString("NEW_PATH", ""), "Newly collected results file. Env: NEW_PATH")
	flag.StringVar(&outPath, "out", envString("OUT_PATH", ""), "Merged output file. Env: OUT_PATH")
	flag.StringVar(&keyColumn, "key-column", envString("KEY_COLUMN", "Varenr."), "Identifier column. Env: KEY_COLUMN")
	flag.Parse()

	if basePath == "" || newPath == "" || outPath == "" {
		fmt.Fprintln(os.Stderr, "-base, -new and -out are required")
		os.Exit(2)
	}

	baseHeader, baseRows, err := readTable(basePath)
	if err != nil {
		fatal(err)
	}
	newHeader, newRows, err := readTable(newPath)
	if err != nil {
		fatal(err)
	}

	keyIdx := columnIndex(baseHeader, keyColumn)
	if keyIdx < 0 {
		fatal(fmt.Errorf("%s: column %q not found in %v", basePath, keyColumn, baseHeader))
	}
	if len(newRows) > 0 && columnIndex(newHeader, keyColumn) < 0 {
		fatal(fmt.Errorf("%s: column %q not found in %v", newPath, keyColumn, newHeader))
	}
	// The two files may disagree on column order; align the new rows to the
	// base header by column name before merging.
	aligned, err := alignRows(baseHeader, newHeader, newRows)
	if err != nil {
		fatal(fmt.Errorf("%s: %w", newPath, err))
	}

	merged := mergeRows(keyIdx, baseRows, aligned)

	if err := writeTable(outPath, baseHeader, merged); err != nil {
		fatal(err)
	}
	fmt.Printf("merged=%d base=%d new=%d out=%s\n", len(merged), len(baseRows), len(newRows), outPath)
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

// alignRows reorders rows recorded under header into target column order,
// matching columns by trimmed name. Target columns absent from header come
// out empty. Identical headers pass through untouched.
func alignRows(target, header []string, rows [][]string) ([][]string, error) {
	same := len(target) == len(header)
	for i := 0; same && i < len(target); i++ {
		same = strings.TrimSpace(target[i]) == strings.TrimSpace(header[i])
	}
	if same {
		return rows, nil
	}

	srcIdx := make([]int, len(target))
	matched := 0
	for i, name := range target {
		srcIdx[i] = columnIndex(header, strings.TrimSpace(name))
		if srcIdx[i] >= 0 {
			matched++
		}
	}
	if matched == 0 {
		return nil, fmt.Errorf("headers share no columns: %v vs %v", target, header)
	}

	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		r := make([]string, len(target))
		for i, j := range srcIdx {
			if j >= 0 && j < len(row) {
				r[i] = row[j]
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// mergeRows concatenates row groups keeping the first row per identifier.
// Rows with a missing or empty identifier are dropped.
func mergeRows(keyIdx int, groups ...[][]string) [][]string {
	var merged [][]string
	seen := map[string]struct{}{}
	for _, rows := range groups {
		for _, row := range rows {
			if keyIdx >= len(row) {
				continue
			}
			id := strings.TrimSpace(row[keyIdx])
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, row)
		}
	}
	return merged
}

func readTable(path string) (header []string, rows [][]string, err error) {
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		all, err := r.ReadAll()
		if err != nil {
			return nil, nil, err
		}
		if len(all) == 0 {
			return nil, nil, nil
		}
		if len(all[0]) > 0 {
			all[0][0] = strings.TrimPrefix(all[0][0], "\ufeff")
		}
		return all[0], all[1:], nil
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("%s: no sheets", path)
	}
	all, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}

func writeTable(path string, header []string, rows [][]string) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")

	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			f.Close()
			return err
		}
		for _, row := range rows {
			if err := w.Write(row); err != nil {
				f.Close()
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	cell, _ := excelize.CoordinatesToCellName(1, 1)
	if err := sw.SetRow(cell, anySlice(header)); err != nil {
		return err
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, anySlice(row)); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	if err := f.SaveAs(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func anySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "ERROR:", err)
	os.Exit(1)
}
