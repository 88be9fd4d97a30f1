package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specTableHTML = `
<html><body>
<form id="orderForm">
  <div>
    <table>
      <thead>
        <tr><th>Varenr.</th><th>Beskrivelse</th><th>Antal</th><th>Pris</th><th>Meter pr. rulle</th><th>Lager</th><th>Basisenhed</th></tr>
      </thead>
      <tbody>
        <tr><td>A1</td><td>Tape 19mm</td><td>1</td><td>100,50</td><td>120</td><td>5</td><td>MTR</td></tr>
        <tr><td>A12</td><td>Tape 25mm</td><td>1</td><td>110,00</td><td>80</td><td>3</td><td>Mtr.</td></tr>
      </tbody>
    </table>
  </div>
</form>
</body></html>`

func docFrom(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestFindTableRowExactMatchWins(t *testing.T) {
	doc := docFrom(t, specTableHTML)

	row, ok := FindTableRow(doc, "form table", "A1")
	require.True(t, ok)
	assert.Equal(t, []string{"A1", "Tape 19mm", "1", "100,50", "120", "5", "MTR"}, row.Cells)
	assert.Equal(t, "Meter pr. rulle", row.Headers[4])
	assert.Equal(t, "Basisenhed", row.Headers[6])

	// "A1" is a substring of the A12 row; even when that row comes first,
	// the exact cell match must win.
	a12First := `<form><table>
	  <thead><tr><th>Varenr.</th><th>Basisenhed</th></tr></thead>
	  <tbody>
	    <tr><td>A12</td><td>Mtr.</td></tr>
	    <tr><td>A1</td><td>MTR</td></tr>
	  </tbody>
	</table></form>`
	row, ok = FindTableRow(docFrom(t, a12First), "form table", "A1")
	require.True(t, ok)
	assert.Equal(t, []string{"A1", "MTR"}, row.Cells)
}

func TestFindTableRowSubstringFallback(t *testing.T) {
	html := strings.Replace(specTableHTML, "<td>A1</td>", "<td>Art. A1 (roll)</td>", 1)
	doc := docFrom(t, html)

	row, ok := FindTableRow(doc, "form table", "A1")
	require.True(t, ok)
	assert.Equal(t, "Art. A1 (roll)", row.Cells[0])
}

func TestFindTableRowMiss(t *testing.T) {
	doc := docFrom(t, specTableHTML)

	_, ok := FindTableRow(doc, "form table", "ZZ9")
	assert.False(t, ok)

	_, ok = FindTableRow(doc, "#no-such-table", "A1")
	assert.False(t, ok)
}

func TestFindTableRowHeaderlessTable(t *testing.T) {
	html := `<table>
	  <tr><th>Varenr.</th><th>Basisenhed</th></tr>
	  <tr><td>B2</td><td>MTR</td></tr>
	</table>`
	doc := docFrom(t, html)

	row, ok := FindTableRow(doc, "table", "B2")
	require.True(t, ok)
	assert.Equal(t, []string{"Varenr.", "Basisenhed"}, row.Headers)
	assert.Equal(t, []string{"B2", "MTR"}, row.Cells)
}

func TestHTTPTableAdapterLocate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/search" && r.URL.Query().Get("q") == "A1":
			fmt.Fprint(w, specTableHTML)
		case r.URL.Path == "/search":
			http.NotFound(w, r)
		default:
			fmt.Fprint(w, "<html><body>ok</body></html>")
		}
	}))
	defer srv.Close()

	a, err := NewHTTPTableAdapter(HTTPTableAdapterOptions{BaseURL: srv.URL, Selector: "form table"})
	require.NoError(t, err)
	require.NoError(t, a.Open(context.Background()))
	defer a.Close()

	row, found, err := a.Locate(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "120", row.Cells[4])
	assert.Equal(t, "MTR", row.Cells[6])

	// 404 is a miss, not an error: the product is simply not in the catalog.
	_, found, err = a.Locate(context.Background(), "B9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHTTPTableAdapterRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPTableAdapter(HTTPTableAdapterOptions{})
	assert.Error(t, err)
}

func TestMockAdapterLocate(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{
		Headers: []string{"Varenr.", "Basisenhed"},
		Rows:    map[string][]string{"A1": {"A1", "MTR"}},
	})

	// Locate before Open is a session error.
	_, _, err := a.Locate(context.Background(), "A1")
	assert.Error(t, err)

	require.NoError(t, a.Open(context.Background()))
	row, found, err := a.Locate(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"A1", "MTR"}, row.Cells)

	_, found, err = a.Locate(context.Background(), "B9")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, a.Close())
}

func TestMockAdapterSyntheticCatalog(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{})
	require.NoError(t, a.Open(context.Background()))

	row, found, err := a.Locate(context.Background(), "100001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, row.Cells, len(row.Headers))
	assert.Equal(t, "MTR", row.Cells[6])
}

func TestMockAdapterRowIsolation(t *testing.T) {
	a := NewMockAdapter(MockAdapterOptions{
		Headers: []string{"Varenr."},
		Rows:    map[string][]string{"A1": {"A1"}},
	})
	require.NoError(t, a.Open(context.Background()))

	row, _, err := a.Locate(context.Background(), "A1")
	require.NoError(t, err)
	row.Cells[0] = "mutated"

	again, _, err := a.Locate(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, "A1", again.Cells[0])
}
