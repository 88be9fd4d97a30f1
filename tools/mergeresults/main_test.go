package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignRowsIdenticalHeadersPassThrough(t *testing.T) {
	header := []string{"Varenr.", "meter_pr_rulle", "basisenhed"}
	rows := [][]string{{"A1", "120", "MTR"}}

	out, err := alignRows(header, header, rows)
	require.NoError(t, err)
	assert.Equal(t, rows, out)
}

func TestAlignRowsReordersByColumnName(t *testing.T) {
	target := []string{"Varenr.", "meter_pr_rulle", "basisenhed"}
	header := []string{"basisenhed", "Varenr.", "meter_pr_rulle"}
	rows := [][]string{
		{"MTR", "A1", "120"},
		{"Mtr.", "B2", "75"},
	}

	out, err := alignRows(target, header, rows)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []string{"A1", "120", "MTR"}, out[0])
	assert.Equal(t, []string{"B2", "75", "Mtr."}, out[1])
}

func TestAlignRowsMissingColumnComesOutEmpty(t *testing.T) {
	target := []string{"Varenr.", "meter_pr_rulle", "basisenhed"}
	header := []string{"Varenr.", "basisenhed"}
	rows := [][]string{{"A1", "MTR"}}

	out, err := alignRows(target, header, rows)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"A1", "", "MTR"}, out[0])
}

func TestAlignRowsDisjointHeadersFail(t *testing.T) {
	_, err := alignRows(
		[]string{"Varenr.", "meter_pr_rulle"},
		[]string{"Price", "Stock"},
		[][]string{{"10,00", "4"}},
	)
	assert.Error(t, err)
}

func TestMergeRowsEarlierRowWins(t *testing.T) {
	base := [][]string{
		{"A1", "120", "MTR"},
		{"B2", "75", "Mtr."},
	}
	fresh := [][]string{
		{"B2", "999", "Stk"}, // duplicate, must lose to the base row
		{"C3", "50", "MTR"},
		{"", "1", "MTR"}, // no identifier, dropped
	}

	merged := mergeRows(0, base, fresh)
	require.Len(t, merged, 3)
	assert.Equal(t, []string{"A1", "120", "MTR"}, merged[0])
	assert.Equal(t, []string{"B2", "75", "Mtr."}, merged[1])
	assert.Equal(t, []string{"C3", "50", "MTR"}, merged[2])
}

func TestMergeRowsShortRowDropped(t *testing.T) {
	merged := mergeRows(2, [][]string{{"only", "two"}})
	assert.Empty(t, merged)
}
