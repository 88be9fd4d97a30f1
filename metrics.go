package main

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"
)

// Metrics is the job's run-state counters, exposed as Prometheus text when a
// metrics address is configured. The runner is sequential, so these are
// mostly simple counters plus the session-state gauge.
type Metrics struct {
	mu sync.Mutex

	processed      int
	located        int
	missed         int
	autosaveCycles int
	sinkErrors     int
	sessionState   string

	start time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{sessionState: "idle", start: time.Now()}
}

func (m *Metrics) SetProcessed(n int) {
	m.mu.Lock()
	m.processed = n
	m.mu.Unlock()
}

func (m *Metrics) IncLocated() {
	m.mu.Lock()
	m.located++
	m.mu.Unlock()
}

func (m *Metrics) IncMissed() {
	m.mu.Lock()
	m.missed++
	m.mu.Unlock()
}

func (m *Metrics) IncAutosaveCycles() {
	m.mu.Lock()
	m.autosaveCycles++
	m.mu.Unlock()
}

func (m *Metrics) IncSinkErrors() {
	m.mu.Lock()
	m.sinkErrors++
	m.mu.Unlock()
}

func (m *Metrics) SetSessionState(s string) {
	m.mu.Lock()
	m.sessionState = s
	m.mu.Unlock()
}

// startMetrics serves /metrics and /debug/pprof/* on addr. Empty addr
// disables the server.
func startMetrics(addr string, m *Metrics) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP ingest_items_processed_total Work items processed\n# TYPE ingest_items_processed_total counter\ningest_items_processed_total %d\n", m.processed)
		fmt.Fprintf(w, "# HELP ingest_items_located_total Items found in the catalog\n# TYPE ingest_items_located_total counter\ningest_items_located_total %d\n", m.located)
		fmt.Fprintf(w, "# HELP ingest_items_missed_total Items absent from the catalog\n# TYPE ingest_items_missed_total counter\ningest_items_missed_total %d\n", m.missed)
		fmt.Fprintf(w, "# HELP ingest_autosave_cycles_total Completed autosave flushes\n# TYPE ingest_autosave_cycles_total counter\ningest_autosave_cycles_total %d\n", m.autosaveCycles)
		fmt.Fprintf(w, "# HELP ingest_sink_errors_total Failed sink writes\n# TYPE ingest_sink_errors_total counter\ningest_sink_errors_total %d\n", m.sinkErrors)
		fmt.Fprintf(w, "# HELP ingest_session_state Current session state\n# TYPE ingest_session_state gauge\ningest_session_state{state=%q} 1\n", m.sessionState)
		fmt.Fprintf(w, "# HELP ingest_uptime_seconds Seconds since process start\n# TYPE ingest_uptime_seconds gauge\ningest_uptime_seconds %f\n", time.Since(m.start).Seconds())
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
