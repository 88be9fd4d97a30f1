// Supplier spec ingest (Go)
// -------------------------
//
// Incremental collection of product spec fields (meters-per-roll, base unit)
// from a supplier catalog:
//   • Load the full product list and the already-collected results
//   • Diff into a deterministic work list (minus reserved-prefix batches)
//   • Sequentially locate each product through a pluggable catalog adapter
//   • Extract fields by header name with positional fallback, validate, append
//   • Autosave the result buffer every interval; final flush on completion
//
// Connector logic stays behind adapters.CatalogAdapter; the default adapter is
// an offline-safe mock.
//
// Configuration is primarily via environment variables (flags can override):
//   SOURCE_PATH, EXCLUDE_PATH, OUT_PATH, KEY_COLUMN, SKIP_PREFIXES,
//   CATALOG_ADAPTER, CATALOG_BASE_URL, TABLE_SELECTOR, HEADLESS,
//   MIN_DELAY_MS, MAX_DELAY_MS, AUTOSAVE_SEC, METRICS_ADDR, PG_DSN, ...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"supplier-spec-ingest/adapters"
)

const lockTTL = 10 * time.Minute

// ───────── Config ─────────

type config struct {
	source     string
	exclude    string
	out        string
	keyColumn  string
	skipPrefix string

	minDelayMs  int
	maxDelayMs  int
	autosaveSec int

	adapter  string // mock|http|browser
	baseURL  string
	selector string
	headless bool

	metricsAddr string
	debug       bool

	pgDSN        string
	pgSchema     string
	pgBatch      int
	pgMaxConns   int
	pgViaBouncer bool
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.source, "source", envString("SOURCE_PATH", ""), "Full product list (.xlsx or .csv). Env: SOURCE_PATH")
	flag.StringVar(&cfg.exclude, "exclude", envString("EXCLUDE_PATH", ""), "Already-collected results to skip (.xlsx or .csv). Env: EXCLUDE_PATH")
	flag.StringVar(&cfg.out, "out", envString("OUT_PATH", ""), "Output path (.xlsx or .csv). Env: OUT_PATH")
	flag.StringVar(&cfg.keyColumn, "key-column", envString("KEY_COLUMN", "Varenr."), "Identifier column in source/exclude files. Env: KEY_COLUMN")
	flag.StringVar(&cfg.skipPrefix, "skip-prefix", envString("SKIP_PREFIXES", "25"), "Comma-separated identifier prefixes to skip ('' disables). Env: SKIP_PREFIXES")

	flag.IntVar(&cfg.minDelayMs, "min-delay-ms", envInt("MIN_DELAY_MS", 500), "Minimum inter-item delay. Env: MIN_DELAY_MS")
	flag.IntVar(&cfg.maxDelayMs, "max-delay-ms", envInt("MAX_DELAY_MS", 1000), "Maximum inter-item delay. Env: MAX_DELAY_MS")
	flag.IntVar(&cfg.autosaveSec, "autosave-sec", envInt("AUTOSAVE_SEC", 60), "Seconds between autosave flushes. Env: AUTOSAVE_SEC")

	flag.StringVar(&cfg.adapter, "catalog-adapter", envString("CATALOG_ADAPTER", "mock"), "Adapter: mock|http|browser. Env: CATALOG_ADAPTER")
	flag.StringVar(&cfg.baseURL, "catalog-base-url", envString("CATALOG_BASE_URL", "https://example-supplier.invalid"), "Catalog base/search URL (placeholder). Env: CATALOG_BASE_URL")
	flag.StringVar(&cfg.selector, "table-selector", envString("TABLE_SELECTOR", "form table"), "CSS selector for the spec table. Env: TABLE_SELECTOR")
	flag.BoolVar(&cfg.headless, "headless", envBool("HEADLESS", true), "Browser adapter: run headless. Env: HEADLESS")

	flag.StringVar(&cfg.metricsAddr, "metrics", envString("METRICS_ADDR", ""), "Serve /metrics and /debug/pprof/* on this address, e.g. :6060. Env: METRICS_ADDR")
	flag.BoolVar(&cfg.debug, "debug", envBool("DEBUG", false), "Debug logging. Env: DEBUG")

	flag.StringVar(&cfg.pgDSN, "pg-dsn", envString("PG_DSN", ""), "Postgres DSN (enables DB sink). Env: PG_DSN")
	flag.StringVar(&cfg.pgSchema, "pg-schema", envString("PG_SCHEMA", "public"), "Target Postgres schema. Env: PG_SCHEMA")
	flag.IntVar(&cfg.pgBatch, "pg-batch", envInt("PG_BATCH", 200), "DB insert batch size. Env: PG_BATCH")
	flag.IntVar(&cfg.pgMaxConns, "pg-max-conns", envInt("PG_MAX_CONNS", 2), "DB max connections. Env: PG_MAX_CONNS")
	flag.BoolVar(&cfg.pgViaBouncer, "pg-via-bouncer", envBool("PG_VIA_BOUNCER", true), "Use simple protocol for PgBouncer txn pooling. Env: PG_VIA_BOUNCER")

	flag.Parse()

	if cfg.source == "" {
		fmt.Fprintln(os.Stderr, "--source / SOURCE_PATH is required")
		os.Exit(2)
	}
	if cfg.out == "" && cfg.pgDSN == "" {
		fmt.Fprintln(os.Stderr, "either --out / OUT_PATH or --pg-dsn / PG_DSN is required")
		os.Exit(2)
	}
	if cfg.minDelayMs < 0 {
		cfg.minDelayMs = 0
	}
	if cfg.maxDelayMs < cfg.minDelayMs {
		cfg.maxDelayMs = cfg.minDelayMs
	}
	if cfg.autosaveSec <= 0 {
		cfg.autosaveSec = 60
	}

	return cfg
}

// ───────── Logger ─────────

func newLogger(debug bool) *zap.Logger {
	c := zap.NewProductionConfig()
	c.Encoding = "console"
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	c.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if debug {
		c.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := c.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(2)
	}
	return log
}

// ───────── Adapter selection ─────────

func buildAdapter(cfg config, log *zap.Logger) adapters.CatalogAdapter {
	switch strings.ToLower(strings.TrimSpace(cfg.adapter)) {
	case "http":
		a, err := adapters.NewHTTPTableAdapter(adapters.HTTPTableAdapterOptions{
			BaseURL:   cfg.baseURL,
			Selector:  cfg.selector,
			UserAgent: envString("HTTP_USER_AGENT", "supplier-spec-ingest/1.0"),
			Timeout:   25 * time.Second,
		})
		if err != nil {
			log.Warn("http adapter init failed; falling back to mock", zap.Error(err))
			return adapters.NewMockAdapter(adapters.MockAdapterOptions{})
		}
		return a
	case "browser":
		a, err := adapters.NewBrowserAdapter(adapters.BrowserAdapterOptions{
			SearchURL:      cfg.baseURL,
			Headless:       cfg.headless,
			TableSelector:  cfg.selector,
			CookieSelector: envString("COOKIE_SELECTOR", ""),
		})
		if err != nil {
			log.Warn("browser adapter init failed; falling back to mock", zap.Error(err))
			return adapters.NewMockAdapter(adapters.MockAdapterOptions{})
		}
		return a
	default:
		return adapters.NewMockAdapter(adapters.MockAdapterOptions{})
	}
}

// ───────── Main ─────────

func main() {
	cfg := parseFlags()
	log := newLogger(cfg.debug)
	code := run(cfg, log)
	_ = log.Sync()
	os.Exit(code)
}

// run holds the body of main and returns the process exit code. Every exit
// path is a plain return, so the deferred lock release and pool close always
// run, interrupted runs included.
func run(cfg config, log *zap.Logger) int {
	metrics := NewMetrics()
	startMetrics(cfg.metricsAddr, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := defaultFieldSpecs()

	// Work list: full minus already-collected, minus reserved prefixes.
	full, err := loadIdentifiers(cfg.source, cfg.keyColumn)
	if err != nil {
		return fatalLoad(log, "source", err)
	}
	exclude := map[string]struct{}{}
	if cfg.exclude != "" {
		exclude, err = loadIdentifiers(cfg.exclude, cfg.keyColumn)
		if err != nil {
			return fatalLoad(log, "exclude", err)
		}
	}
	var prefixes []string
	if cfg.skipPrefix != "" {
		prefixes = strings.Split(cfg.skipPrefix, ",")
	}
	workList := diffWorkList(full, exclude, skipPrefixes(prefixes))
	log.Info("work list built",
		zap.Int("total", len(full)),
		zap.Int("excluded", len(exclude)),
		zap.Int("to_process", len(workList)),
	)

	// Sink + output lock (file sinks only: one writer per output path).
	var sink ResultSink
	if cfg.pgDSN != "" {
		pool, err := openPool(ctx, cfg.pgDSN, cfg.pgMaxConns, cfg.pgViaBouncer)
		if err != nil {
			log.Error("postgres connect", zap.Error(err))
			return 2
		}
		defer pool.Close()
		sink = NewPGSink(pool, cfg.pgSchema, fields, cfg.pgBatch, log, metrics)
	} else {
		lockPath := cfg.out + ".lock"
		unlock, ok := lockOutput(lockPath, lockTTL)
		if !ok {
			log.Error("another writer active; aborting", zap.String("lock", lockPath))
			return 1
		}
		defer unlock()
		sink = NewFileSink(cfg.out, cfg.keyColumn, fields, log, metrics)
	}

	adapter := buildAdapter(cfg, log)
	if err := adapter.Open(ctx); err != nil {
		log.Error("adapter open", zap.Error(err))
		return 1
	}

	runner := NewSessionRunner(SessionRunnerOptions{
		Adapter:  adapter,
		Sink:     sink,
		Fields:   fields,
		Logger:   log,
		Metrics:  metrics,
		MinDelay: time.Duration(cfg.minDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(cfg.maxDelayMs) * time.Millisecond,
		Autosave: time.Duration(cfg.autosaveSec) * time.Second,
	})
	sum := runner.Run(ctx, workList)

	fmt.Printf(
		"adapter=%s items=%d processed=%d located=%d missed=%d interrupted=%v duration=%0.2f\n",
		cfg.adapter, len(workList), sum.Processed, sum.Located, sum.Missed, sum.Interrupted, sum.Duration.Seconds(),
	)
	if sum.Interrupted {
		return 130
	}
	return 0
}

func fatalLoad(log *zap.Logger, which string, err error) int {
	switch {
	case errors.Is(err, ErrSourceNotFound):
		log.Error(which+" file missing", zap.Error(err))
	case errors.Is(err, ErrSchema):
		log.Error(which+" file has wrong schema", zap.Error(err))
	default:
		log.Error("load "+which, zap.Error(err))
	}
	return 2
}
