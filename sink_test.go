package main

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRecords() []ExtractedRecord {
	return []ExtractedRecord{
		{Identifier: "A1", Fields: map[string]string{"meter_pr_rulle": "120", "basisenhed": "MTR"}},
		{Identifier: "B9", Fields: map[string]string{"meter_pr_rulle": "", "basisenhed": ""}},
	}
}

func TestFileSinkCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	sink := NewFileSink(path, "Varenr.", defaultFieldSpecs(), zap.NewNop(), NewMetrics())

	sink.Flush(testRecords())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(b)
	assert.True(t, strings.HasPrefix(content, "\xef\xbb\xbf"), "missing BOM")

	r := csv.NewReader(strings.NewReader(strings.TrimPrefix(content, "\xef\xbb\xbf")))
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Varenr.", "meter_pr_rulle", "basisenhed"}, rows[0])
	assert.Equal(t, []string{"A1", "120", "MTR"}, rows[1])
	assert.Equal(t, []string{"B9", "", ""}, rows[2])
}

func TestFileSinkSnapshotOverwrite(t *testing.T) {
	// Flushing a grown snapshot replaces the file; rows never duplicate.
	path := filepath.Join(t.TempDir(), "results.csv")
	sink := NewFileSink(path, "Varenr.", defaultFieldSpecs(), zap.NewNop(), NewMetrics())

	recs := testRecords()
	sink.Flush(recs[:1])
	sink.Flush(recs)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	r := csv.NewReader(strings.NewReader(strings.TrimPrefix(string(b), "\xef\xbb\xbf")))
	rows, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3) // header + 2 records, not 1+1+2
}

func TestFileSinkXLSXRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.xlsx")
	sink := NewFileSink(path, "Varenr.", defaultFieldSpecs(), zap.NewNop(), NewMetrics())

	sink.Flush(testRecords())

	// The output feeds the next run's exclude list through the same loader.
	ids, err := loadIdentifiers(path, "Varenr.")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"A1": {}, "B9": {}}, ids)
}

func TestFileSinkEmptySnapshotIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	sink := NewFileSink(path, "Varenr.", defaultFieldSpecs(), zap.NewNop(), NewMetrics())

	sink.Flush(nil)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileSinkWriteFailureKeepsPriorCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.csv")
	m := NewMetrics()
	sink := NewFileSink(path, "Varenr.", defaultFieldSpecs(), zap.NewNop(), m)

	recs := testRecords()
	sink.Flush(recs[:1])
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// Make the temp-file creation fail by occupying its path with a
	// directory; the durable copy must survive and the failure must be
	// counted, not raised.
	require.NoError(t, os.Mkdir(tmpPath(path), 0755))
	sink.Flush(recs)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.sinkErrors)
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx.lock")

	require.True(t, acquireLock(path, time.Minute))
	// A live lock blocks a second writer.
	assert.False(t, acquireLock(path, time.Minute))

	releaseLock(path)
	assert.True(t, acquireLock(path, time.Minute))
	releaseLock(path)
}

func TestLockOutputReleaseUnblocksRerun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx.lock")

	unlock, ok := lockOutput(path, time.Minute)
	require.True(t, ok)
	_, err := os.Stat(path)
	require.NoError(t, err)

	// While held, a second run must refuse to start.
	_, ok = lockOutput(path, time.Minute)
	assert.False(t, ok)

	// Release removes the lock file so a rerun inside the TTL proceeds.
	// This is the interrupted-run path: the release runs on every exit.
	unlock()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	unlock2, ok := lockOutput(path, time.Minute)
	require.True(t, ok)
	unlock2()
}

func TestAcquireLockBreaksStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx.lock")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	assert.True(t, acquireLock(path, 10*time.Minute))
	releaseLock(path)
}
