// Spec-table field extraction: header-name lookup with a positional fallback,
// then per-field validation. Invalid or unreachable values degrade to "" and
// never abort a record.
package main

import (
	"strings"

	"supplier-spec-ingest/adapters"
)

// FieldSpec describes one logical field to pull out of a located table row.
type FieldSpec struct {
	// Key is the output column name.
	Key string
	// Header is the canonical header text for name-based lookup, matched in
	// normalized form (lowercase, collapsed whitespace).
	Header string
	// FallbackIndex is the zero-based column used when the header is absent
	// or out of range. -1 disables the fallback.
	FallbackIndex int
	// Validate rejects extracted values. A rejected value becomes "".
	// nil accepts everything.
	Validate func(string) bool
}

// ExtractedRecord is the result of one lookup. Fields holds "" for anything
// missing or invalid; a record with every field empty is business-normal
// (product absent from the catalog).
type ExtractedRecord struct {
	Identifier string
	Fields     map[string]string
}

// defaultFieldSpecs returns the two spec fields this job was built to collect:
// meters-per-roll (numeric, Danish decimal comma) and the base unit, which
// must be one of the catalog's meter spellings.
func defaultFieldSpecs() []FieldSpec {
	return []FieldSpec{
		{
			Key:           "meter_pr_rulle",
			Header:        "meter pr. rulle",
			FallbackIndex: 4,
			Validate:      isNumericValue,
		},
		{
			Key:           "basisenhed",
			Header:        "basisenhed",
			FallbackIndex: 6,
			Validate:      allowedValues("MTR", "Mtr."),
		},
	}
}

// normalizeHeader lowercases and collapses whitespace so header matching
// survives the catalog's inconsistent spacing.
func normalizeHeader(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// buildColumnIndexMap maps normalized header text to column position. Rebuilt
// for every row; the page layout is not assumed stable across products.
// Duplicate headers keep the last position, matching how the table renders.
func buildColumnIndexMap(headers []string) map[string]int {
	out := make(map[string]int, len(headers))
	for i, h := range headers {
		n := normalizeHeader(h)
		if n == "" {
			continue
		}
		out[n] = i
	}
	return out
}

// extractRecord maps a located row onto the configured fields. Lookup order
// per field: column map by header name, then the positional fallback, then
// empty. Validation failures reset the field to empty.
func extractRecord(identifier string, row adapters.ProductRow, fields []FieldSpec) ExtractedRecord {
	rec := emptyRecord(identifier, fields)
	colMap := buildColumnIndexMap(row.Headers)

	for _, f := range fields {
		val := ""
		if idx, ok := colMap[normalizeHeader(f.Header)]; ok && idx >= 0 && idx < len(row.Cells) {
			val = strings.TrimSpace(row.Cells[idx])
		} else if f.FallbackIndex >= 0 && f.FallbackIndex < len(row.Cells) {
			val = strings.TrimSpace(row.Cells[f.FallbackIndex])
		}
		if val != "" && f.Validate != nil && !f.Validate(val) {
			val = ""
		}
		rec.Fields[f.Key] = val
	}
	return rec
}

// emptyRecord builds the all-empty record appended for locate misses.
func emptyRecord(identifier string, fields []FieldSpec) ExtractedRecord {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Key] = ""
	}
	return ExtractedRecord{Identifier: identifier, Fields: m}
}

// isNumericValue accepts decimal numbers as the catalog prints them: digits
// with at most one decimal separator, comma or dot ("120", "2,5", "12.75").
func isNumericValue(s string) bool {
	s = strings.ReplaceAll(s, ",", ".")
	s = strings.Replace(s, ".", "", 1)
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// allowedValues builds a membership validator.
func allowedValues(vals ...string) func(string) bool {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return func(s string) bool {
		_, ok := set[s]
		return ok
	}
}
