// Package adapters contains pluggable supplier-catalog connectors.
//
// The package is intentionally generic: everything site-specific (endpoints,
// selectors, search behavior) stays behind CatalogAdapter, and the default
// implementation is a fully offline mock so the job can run in demos and tests
// without touching a supplier system.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ProductRow is one located table row on a product page: the table's header
// texts plus the cell texts of the matched row. Headers are re-read for every
// locate since page state changes between products.
type ProductRow struct {
	Headers []string
	Cells   []string
}

// CatalogAdapter abstracts the locate-and-open operation against a supplier
// catalog. The session behind an adapter is exclusively owned by one caller;
// implementations are not required to tolerate concurrent Locate calls.
type CatalogAdapter interface {
	// Open prepares the session (navigation, cookie banners, warm-up).
	Open(ctx context.Context) error

	// Locate resolves an identifier to its spec-table row. A miss (product not
	// in the catalog) returns found=false with a nil error; errors are
	// transport-level failures.
	Locate(ctx context.Context, identifier string) (ProductRow, bool, error)

	// Close releases the session.
	Close() error
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP table adapter (server-rendered catalog pages)
// ─────────────────────────────────────────────────────────────────────────────

// HTTPTableAdapter fetches a server-rendered product search page and parses
// the spec table with a CSS selector. Expected endpoint (placeholder):
//
//	GET {base}/search?q={identifier}
//
// Site-specific search paths belong in a private deployment; the defaults here
// are generic.
type HTTPTableAdapter struct {
	baseURL   string
	selector  string
	client    *http.Client
	userAgent string
}

type HTTPTableAdapterOptions struct {
	BaseURL   string
	Selector  string // CSS selector for the spec table, e.g. "#specTable table"
	UserAgent string
	Timeout   time.Duration
}

func NewHTTPTableAdapter(opts HTTPTableAdapterOptions) (*HTTPTableAdapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	sel := strings.TrimSpace(opts.Selector)
	if sel == "" {
		sel = "table"
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "supplier-spec-ingest/1.0"
	}
	return &HTTPTableAdapter{
		baseURL:   strings.TrimRight(base, "/"),
		selector:  sel,
		client:    &http.Client{Timeout: to},
		userAgent: ua,
	}, nil
}

func (a *HTTPTableAdapter) Open(ctx context.Context) error {
	// Warm up the session and fail fast on an unreachable base URL.
	_, _, err := a.doGET(ctx, a.baseURL+"/")
	return err
}

func (a *HTTPTableAdapter) Locate(ctx context.Context, identifier string) (ProductRow, bool, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return ProductRow{}, false, errors.New("identifier is required")
	}

	u, err := url.Parse(a.baseURL + "/search")
	if err != nil {
		return ProductRow{}, false, err
	}
	q := u.Query()
	q.Set("q", id)
	u.RawQuery = q.Encode()

	body, status, err := a.doGET(ctx, u.String())
	if err != nil {
		if status == http.StatusNotFound {
			return ProductRow{}, false, nil
		}
		return ProductRow{}, false, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return ProductRow{}, false, fmt.Errorf("parse search page: %w", err)
	}
	row, ok := FindTableRow(doc, a.selector, id)
	return row, ok, nil
}

func (a *HTTPTableAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *HTTPTableAdapter) doGET(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	status := resp.StatusCode
	b, _ := io.ReadAll(resp.Body)
	if status < 200 || status >= 300 {
		return nil, status, fmt.Errorf("http status %d", status)
	}
	return b, status, nil
}

// FindTableRow locates the row for an identifier inside the first table
// matching selector. Matching is two-stage: a cell whose full text equals the
// identifier wins, then a cell merely containing it. Header texts come from
// thead th, or from the first body row when the table has no thead.
func FindTableRow(doc *goquery.Document, selector, identifier string) (ProductRow, bool) {
	table := doc.Find(selector).First()
	if table.Length() == 0 {
		return ProductRow{}, false
	}

	headers := headerTexts(table)

	var match *goquery.Selection
	bodyRows := table.Find("tbody tr")
	if bodyRows.Length() == 0 {
		bodyRows = table.Find("tr")
	}
	bodyRows.EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		exact := false
		tr.Find("td").Each(func(_ int, td *goquery.Selection) {
			if condense(td.Text()) == identifier {
				exact = true
			}
		})
		if exact {
			match = tr
			return false
		}
		return true
	})
	if match == nil {
		bodyRows.EachWithBreak(func(_ int, tr *goquery.Selection) bool {
			found := false
			tr.Find("td").Each(func(_ int, td *goquery.Selection) {
				if strings.Contains(condense(td.Text()), identifier) {
					found = true
				}
			})
			if found {
				match = tr
				return false
			}
			return true
		})
	}
	if match == nil {
		return ProductRow{}, false
	}

	cells := make([]string, 0, match.Find("td").Length())
	match.Find("td").Each(func(_ int, td *goquery.Selection) {
		cells = append(cells, condense(td.Text()))
	})
	return ProductRow{Headers: headers, Cells: cells}, true
}

func headerTexts(table *goquery.Selection) []string {
	ths := table.Find("thead th")
	if ths.Length() == 0 {
		ths = table.Find("tbody tr").First().Find("th, td")
	}
	out := make([]string, 0, ths.Length())
	ths.Each(func(_ int, th *goquery.Selection) {
		out = append(out, condense(th.Text()))
	})
	return out
}

func condense(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ─────────────────────────────────────────────────────────────────────────────
// Mock adapter (offline-safe)
// ─────────────────────────────────────────────────────────────────────────────

// MockAdapter serves product rows from an in-memory catalog. Deterministic,
// no network; used for demos and unit tests.
type MockAdapter struct {
	headers []string
	rows    map[string][]string
	latency time.Duration
	opened  bool
}

type MockAdapterOptions struct {
	// Headers is the spec-table header row shared by all products.
	Headers []string
	// Rows maps identifier -> cell values.
	Rows map[string][]string
	// Latency adds a small synthetic delay per locate. 0 disables.
	Latency time.Duration
}

func NewMockAdapter(opts MockAdapterOptions) *MockAdapter {
	headers := opts.Headers
	rows := opts.Rows
	if len(headers) == 0 {
		headers, rows = syntheticCatalog()
	}
	if rows == nil {
		rows = map[string][]string{}
	}
	return &MockAdapter{headers: headers, rows: rows, latency: opts.Latency}
}

func (m *MockAdapter) Open(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.opened = true
	return nil
}

func (m *MockAdapter) Locate(ctx context.Context, identifier string) (ProductRow, bool, error) {
	select {
	case <-ctx.Done():
		return ProductRow{}, false, ctx.Err()
	default:
	}
	if !m.opened {
		return ProductRow{}, false, errors.New("mock adapter not opened")
	}
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	id := strings.TrimSpace(identifier)
	cells, ok := m.rows[id]
	if !ok {
		return ProductRow{}, false, nil
	}
	out := make([]string, len(cells))
	copy(out, cells)
	return ProductRow{Headers: m.headers, Cells: out}, true, nil
}

func (m *MockAdapter) Close() error {
	m.opened = false
	return nil
}

// syntheticCatalog builds a tiny demo catalog with the header shape of a real
// supplier spec table: identifier, description, a couple of quantity columns,
// meters-per-roll at position 4 and base unit at position 6.
func syntheticCatalog() ([]string, map[string][]string) {
	headers := []string{
		"Varenr.", "Beskrivelse", "Antal", "Pris", "Meter pr. rulle", "Lager", "Basisenhed",
	}
	rows := make(map[string][]string, 8)
	for i := 1; i <= 8; i++ {
		id := fmt.Sprintf("10%04d", i)
		rows[id] = []string{
			id,
			fmt.Sprintf("Synthetic product %d", i),
			"1",
			fmt.Sprintf("%d,50", 100+i),
			fmt.Sprintf("%d", 25*i),
			"42",
			"MTR",
		}
	}
	return headers, rows
}
