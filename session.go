// Incremental session: single-writer result buffer, periodic autosave, and
// the sequential runner that drives the catalog adapter.
package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"supplier-spec-ingest/adapters"
)

// ───────── Result buffer ─────────

// ResultBuffer is an append-only log of extracted records shared by the
// runner (sole writer) and the autosaver (snapshot reader). Elements are
// never mutated or removed after append; the mutex covers the append/snapshot
// pair since Go gives no atomicity guarantee for slice append under
// concurrent iteration.
type ResultBuffer struct {
	mu      sync.Mutex
	records []ExtractedRecord
}

func NewResultBuffer() *ResultBuffer {
	return &ResultBuffer{}
}

func (b *ResultBuffer) Append(rec ExtractedRecord) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
}

// Snapshot returns a copy of the current log in append order.
func (b *ResultBuffer) Snapshot() []ExtractedRecord {
	b.mu.Lock()
	out := make([]ExtractedRecord, len(b.records))
	copy(out, b.records)
	b.mu.Unlock()
	return out
}

func (b *ResultBuffer) Len() int {
	b.mu.Lock()
	n := len(b.records)
	b.mu.Unlock()
	return n
}

// ───────── Autosaver ─────────

// Autosaver periodically flushes a snapshot of the buffer through the sink so
// an interrupted run loses at most one interval of progress. Stop is one-shot
// and waits for the in-flight cycle, so a final flush never interleaves with
// a periodic one.
type Autosaver struct {
	buffer   *ResultBuffer
	sink     ResultSink
	interval time.Duration
	log      *zap.Logger
	metrics  *Metrics

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewAutosaver(buf *ResultBuffer, sink ResultSink, interval time.Duration, log *zap.Logger, m *Metrics) *Autosaver {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Autosaver{
		buffer:   buf,
		sink:     sink,
		interval: interval,
		log:      log,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (a *Autosaver) Start() {
	go func() {
		defer close(a.done)
		t := time.NewTicker(a.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := a.buffer.Snapshot()
				if len(snap) == 0 {
					continue
				}
				a.sink.Flush(snap)
				a.metrics.IncAutosaveCycles()
				a.log.Info("autosave complete", zap.Int("records", len(snap)))
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop signals the loop and blocks until its current cycle has finished.
func (a *Autosaver) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

// ───────── Session runner ─────────

type sessionState int32

const (
	sessionIdle sessionState = iota
	sessionRunning
	sessionDraining
	sessionDone
)

func (s sessionState) String() string {
	switch s {
	case sessionIdle:
		return "idle"
	case sessionRunning:
		return "running"
	case sessionDraining:
		return "draining"
	default:
		return "done"
	}
}

// SessionRunner iterates a work list against an exclusively-owned catalog
// session. Iteration is sequential on purpose: the session does not tolerate
// concurrent interaction. Durability is decoupled from iteration speed by the
// Autosaver; item failures are recorded as empty-field records, never errors.
type SessionRunner struct {
	adapter adapters.CatalogAdapter
	buffer  *ResultBuffer
	sink    ResultSink
	fields  []FieldSpec
	log     *zap.Logger
	metrics *Metrics

	minDelay         time.Duration
	maxDelay         time.Duration
	autosaveInterval time.Duration

	mu    sync.Mutex
	state sessionState
}

type SessionRunnerOptions struct {
	Adapter  adapters.CatalogAdapter
	Sink     ResultSink
	Fields   []FieldSpec
	Logger   *zap.Logger
	Metrics  *Metrics
	MinDelay time.Duration
	MaxDelay time.Duration
	Autosave time.Duration
}

func NewSessionRunner(opts SessionRunnerOptions) *SessionRunner {
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	return &SessionRunner{
		adapter:          opts.Adapter,
		buffer:           NewResultBuffer(),
		sink:             opts.Sink,
		fields:           opts.Fields,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		minDelay:         opts.MinDelay,
		maxDelay:         opts.MaxDelay,
		autosaveInterval: opts.Autosave,
		state:            sessionIdle,
	}
}

func (r *SessionRunner) State() sessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *SessionRunner) setState(s sessionState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.metrics.SetSessionState(s.String())
}

// RunSummary is the end-of-run accounting printed by main.
type RunSummary struct {
	Processed   int
	Located     int
	Missed      int
	Interrupted bool
	Duration    time.Duration
}

// Run processes the work list end to end: Idle -> Running (items + autosave)
// -> Draining (stop autosave, final flush, close session) -> Done. A
// cancelled context stops between items; everything appended so far still
// reaches the sink through the drain path. The buffer ends with exactly one
// record per processed item, in work-list order.
func (r *SessionRunner) Run(ctx context.Context, items []string) RunSummary {
	start := time.Now()
	sum := RunSummary{}

	r.setState(sessionRunning)
	saver := NewAutosaver(r.buffer, r.sink, r.autosaveInterval, r.log, r.metrics)
	saver.Start()

	for i, id := range items {
		if ctx.Err() != nil {
			sum.Interrupted = true
			break
		}

		rec, located := r.processItem(ctx, id)
		r.buffer.Append(rec)
		sum.Processed++
		if located {
			sum.Located++
			r.metrics.IncLocated()
		} else {
			sum.Missed++
			r.metrics.IncMissed()
		}
		r.metrics.SetProcessed(sum.Processed)

		// The delay paces requests between items; there is nothing to pace
		// after the last one.
		if i == len(items)-1 {
			break
		}
		if !r.sleepBetweenItems(ctx) {
			sum.Interrupted = true
			break
		}
	}

	r.setState(sessionDraining)
	saver.Stop()
	if snap := r.buffer.Snapshot(); len(snap) > 0 {
		r.sink.Flush(snap)
	}
	if err := r.adapter.Close(); err != nil {
		r.log.Warn("adapter close", zap.Error(err))
	}
	r.setState(sessionDone)

	sum.Duration = time.Since(start)
	return sum
}

// processItem performs one locate-and-extract. Any failure mode (transport
// error, missing product, missing table) yields the empty-field record.
func (r *SessionRunner) processItem(ctx context.Context, id string) (ExtractedRecord, bool) {
	itemCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	row, found, err := r.adapter.Locate(itemCtx, id)
	if err != nil {
		r.log.Warn("locate failed", zap.String("identifier", id), zap.Error(err))
		return emptyRecord(id, r.fields), false
	}
	if !found {
		r.log.Debug("not in catalog", zap.String("identifier", id))
		return emptyRecord(id, r.fields), false
	}
	return extractRecord(id, row, r.fields), true
}

// sleepBetweenItems applies the randomized inter-item delay that bounds the
// request rate against the catalog. Returns false when the context is
// cancelled during the wait.
func (r *SessionRunner) sleepBetweenItems(ctx context.Context) bool {
	if r.maxDelay <= 0 {
		return ctx.Err() == nil
	}
	d := r.minDelay
	if span := r.maxDelay - r.minDelay; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Buffer exposes the shared result log.
func (r *SessionRunner) Buffer() *ResultBuffer {
	return r.buffer
}
