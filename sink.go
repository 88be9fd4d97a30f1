// Durable result sinks. A flush replaces the whole output atomically
// (write-then-rename) or upserts into Postgres; either way a failed write
// leaves the previous durable copy untouched and never aborts the run.
package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// ResultSink persists a buffer snapshot. Implementations log and count write
// failures instead of returning them: a failed autosave cycle is retried by
// the next one.
type ResultSink interface {
	Flush(records []ExtractedRecord)
}

// ───────── File sink (xlsx / csv) ─────────

// FileSink writes the full snapshot to an .xlsx or .csv file. Each flush goes
// to a temp file in the same directory and is renamed over the target, so a
// crash mid-write cannot corrupt the previous save.
type FileSink struct {
	path      string
	keyColumn string
	fields    []FieldSpec
	log       *zap.Logger
	metrics   *Metrics
}

func NewFileSink(path, keyColumn string, fields []FieldSpec, log *zap.Logger, m *Metrics) *FileSink {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics()
	}
	return &FileSink{path: path, keyColumn: keyColumn, fields: fields, log: log, metrics: m}
}

func (s *FileSink) Flush(records []ExtractedRecord) {
	if len(records) == 0 {
		return
	}
	var err error
	if strings.HasSuffix(strings.ToLower(s.path), ".csv") {
		err = s.writeCSV(records)
	} else {
		err = s.writeXLSX(records)
	}
	if err != nil {
		s.metrics.IncSinkErrors()
		s.log.Warn("sink write failed", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.log.Debug("sink flushed", zap.String("path", s.path), zap.Int("records", len(records)))
}

func (s *FileSink) header() []string {
	h := make([]string, 0, 1+len(s.fields))
	h = append(h, s.keyColumn)
	for _, f := range s.fields {
		h = append(h, f.Key)
	}
	return h
}

func (s *FileSink) row(rec ExtractedRecord) []string {
	r := make([]string, 0, 1+len(s.fields))
	r = append(r, rec.Identifier)
	for _, f := range s.fields {
		r = append(r, rec.Fields[f.Key])
	}
	return r
}

func (s *FileSink) writeXLSX(records []ExtractedRecord) error {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	cell, _ := excelize.CoordinatesToCellName(1, 1)
	if err := sw.SetRow(cell, toAnySlice(s.header())); err != nil {
		return err
	}
	for i, rec := range records {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, toAnySlice(s.row(rec))); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	tmp := tmpPath(s.path)
	if err := f.SaveAs(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileSink) writeCSV(records []ExtractedRecord) error {
	tmp := tmpPath(s.path)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	// UTF-8 BOM keeps Excel happy with the Danish column values.
	if _, err := out.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		out.Close()
		return err
	}
	w := csv.NewWriter(out)
	if err := w.Write(s.header()); err != nil {
		out.Close()
		return err
	}
	for _, rec := range records {
		if err := w.Write(s.row(rec)); err != nil {
			out.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func tmpPath(path string) string {
	dir := filepath.Dir(path)
	return filepath.Join(dir, "."+filepath.Base(path)+".tmp")
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// ───────── Postgres sink ─────────

// PGSink inserts snapshot rows into a single table, conflict-do-nothing on
// the identifier, so repeated flushes of a growing snapshot stay idempotent.
type PGSink struct {
	pool    *pgxpool.Pool
	schema  string
	fields  []FieldSpec
	batch   int
	log     *zap.Logger
	metrics *Metrics
}

func NewPGSink(pool *pgxpool.Pool, schema string, fields []FieldSpec, batch int, log *zap.Logger, m *Metrics) *PGSink {
	if batch <= 0 {
		batch = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = NewMetrics()
	}
	return &PGSink{pool: pool, schema: schema, fields: fields, batch: batch, log: log, metrics: m}
}

func (s *PGSink) Flush(records []ExtractedRecord) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inserted, err := s.insert(ctx, records)
	if err != nil {
		s.metrics.IncSinkErrors()
		s.log.Warn("db flush failed", zap.Error(err))
		return
	}
	s.log.Debug("db flushed", zap.Int("records", len(records)), zap.Int("inserted", inserted))
}

func (s *PGSink) insert(ctx context.Context, records []ExtractedRecord) (int, error) {
	cols := []string{"varenr"}
	for _, f := range s.fields {
		cols = append(cols, f.Key)
	}
	ph := make([]string, len(cols))
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf(
		`INSERT INTO "%s".product_specs (%s) VALUES (%s) ON CONFLICT (varenr) DO NOTHING`,
		s.schema, strings.Join(cols, ", "), strings.Join(ph, ", "),
	)

	total := 0
	for i := 0; i < len(records); i += s.batch {
		j := i + s.batch
		if j > len(records) {
			j = len(records)
		}
		b := &pgx.Batch{}
		count := 0
		for _, rec := range records[i:j] {
			if strings.TrimSpace(rec.Identifier) == "" {
				continue
			}
			args := make([]interface{}, 0, len(cols))
			args = append(args, rec.Identifier)
			for _, f := range s.fields {
				args = append(args, rec.Fields[f.Key])
			}
			b.Queue(stmt, args...)
			count++
		}
		br := s.pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, err
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

func openPool(ctx context.Context, dsn string, maxConns int, viaBouncer bool) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	if viaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// ───────── Output lock (TTL + heartbeat) ─────────

// lockOutput acquires the output lock and starts its heartbeat. The returned
// release func stops the heartbeat and removes the lock; callers must run it
// on every exit path, interrupted runs included, or the next run within the
// TTL aborts on a lock nobody holds.
func lockOutput(path string, ttl time.Duration) (func(), bool) {
	if !acquireLock(path, ttl) {
		return nil, false
	}
	stop := make(chan struct{})
	go lockHeartbeat(path, stop)
	return func() {
		close(stop)
		releaseLock(path)
	}, true
}

// acquireLock takes a cross-process lock on the output path. A stale lock
// older than the TTL is broken; a live one means another writer owns the
// file and the run must not start.
func acquireLock(path string, ttl time.Duration) bool {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, `{"pid":%d,"time":%d}`+"\n", os.Getpid(), time.Now().Unix())
			_ = f.Close()
			return true
		}
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if time.Since(fi.ModTime()) >= ttl {
			_ = os.Remove(path)
			continue
		}
		return false
	}
}

func releaseLock(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// lockHeartbeat refreshes the lock mtime so a long run is not mistaken for a
// stale one. Runs until the stop channel closes.
func lockHeartbeat(path string, stop <-chan struct{}) {
	t := time.NewTicker(60 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			_ = os.Chtimes(path, now, now)
		case <-stop:
			return
		}
	}
}
