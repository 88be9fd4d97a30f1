package adapters

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserAdapter drives a real browser session against a catalog whose spec
// table is only rendered client-side. One session per adapter; Locate reuses
// the site's live search box (type identifier, open the first suggestion,
// read the table) rather than navigating per product, because the target
// search is suggestion-driven.
type BrowserAdapter struct {
	opts    BrowserAdapterOptions
	browser *rod.Browser
	page    *rod.Page
}

type BrowserAdapterOptions struct {
	SearchURL string
	Headless  bool

	// CSS selectors for the search flow. Site-specific values belong in
	// configuration; the defaults are deliberately generic.
	SearchInputSelector string
	SuggestionSelector  string
	CookieSelector      string
	TableSelector       string

	// StepTimeout bounds each individual element wait. Default 4s, matching
	// how long a suggestion dropdown reasonably takes to appear.
	StepTimeout time.Duration
	// SettleDelay is a short pause after opening a product page so the spec
	// table finishes rendering. Default 500ms.
	SettleDelay time.Duration
}

func NewBrowserAdapter(opts BrowserAdapterOptions) (*BrowserAdapter, error) {
	if strings.TrimSpace(opts.SearchURL) == "" {
		return nil, errors.New("SearchURL is required")
	}
	if opts.SearchInputSelector == "" {
		opts.SearchInputSelector = "header form input[type=search], header form input"
	}
	if opts.SuggestionSelector == "" {
		opts.SuggestionSelector = "header .suggestions a, header form + div a"
	}
	if opts.TableSelector == "" {
		opts.TableSelector = "form table"
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 4 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 500 * time.Millisecond
	}
	return &BrowserAdapter{opts: opts}, nil
}

func (b *BrowserAdapter) Open(ctx context.Context) error {
	l := launcher.New().Headless(b.opts.Headless)
	controlURL, err := l.Launch()
	if err != nil {
		return err
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return err
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: b.opts.SearchURL})
	if err != nil {
		_ = browser.Close()
		return err
	}
	if err := page.WaitLoad(); err != nil {
		_ = browser.Close()
		return err
	}
	b.browser = browser
	b.page = page
	b.acceptCookies()
	return nil
}

// acceptCookies clicks the consent banner away if one shows up. Best effort:
// absence of the banner is the common case.
func (b *BrowserAdapter) acceptCookies() {
	if b.opts.CookieSelector == "" {
		return
	}
	el, err := b.page.Timeout(5 * time.Second).Element(b.opts.CookieSelector)
	if err != nil {
		return
	}
	_ = el.Click(proto.InputMouseButtonLeft, 1)
}

func (b *BrowserAdapter) Locate(ctx context.Context, identifier string) (ProductRow, bool, error) {
	if b.page == nil {
		return ProductRow{}, false, errors.New("browser adapter not opened")
	}
	id := strings.TrimSpace(identifier)
	if id == "" {
		return ProductRow{}, false, errors.New("identifier is required")
	}

	input, err := b.searchInput()
	if err != nil {
		return ProductRow{}, false, err
	}
	// Input replaces the selection, which clears the previous identifier.
	_ = input.SelectAllText()
	if err := input.Input(id); err != nil {
		return ProductRow{}, false, err
	}

	suggestion, err := b.page.Timeout(b.opts.StepTimeout).Element(b.opts.SuggestionSelector)
	if err != nil {
		// No suggestion for this identifier: the product is not in the catalog.
		return ProductRow{}, false, nil
	}
	if err := suggestion.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return ProductRow{}, false, err
	}
	time.Sleep(b.opts.SettleDelay)

	table, err := b.page.Timeout(b.opts.StepTimeout).Element(b.opts.TableSelector)
	if err != nil {
		return ProductRow{}, false, nil
	}
	html, err := table.HTML()
	if err != nil {
		return ProductRow{}, false, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ProductRow{}, false, err
	}
	row, ok := FindTableRow(doc, "table", id)
	return row, ok, nil
}

// searchInput finds the live search box, re-opening the search page once when
// the current page no longer has it (deep product pages drop the header form).
func (b *BrowserAdapter) searchInput() (*rod.Element, error) {
	el, err := b.page.Timeout(b.opts.StepTimeout).Element(b.opts.SearchInputSelector)
	if err == nil {
		return el, nil
	}
	if err := b.page.Navigate(b.opts.SearchURL); err != nil {
		return nil, err
	}
	if err := b.page.WaitLoad(); err != nil {
		return nil, err
	}
	return b.page.Timeout(10 * time.Second).Element(b.opts.SearchInputSelector)
}

func (b *BrowserAdapter) Close() error {
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	b.page = nil
	return err
}
