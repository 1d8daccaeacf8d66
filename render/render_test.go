package render_test

import (
	"archive/zip"
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/bidstack/operator/render"
)

func TestBudgetXLSXTotals(t *testing.T) {
	raw, err := render.BudgetXLSX(render.Budget{
		Title: "Fiber Buildout Budget",
		LineItems: []render.LineItem{
			{Phase: "Design", Name: "Survey", Role: "Engineer", Rate: 150, Hours: 10},
			{Phase: "Build", Name: "Trenching", Role: "Crew", Rate: 90, Hours: 100, Cost: 8500},
		},
		Assumptions: []string{"Permits granted by April"},
		Notes:       []string{"Rates from the 2026 card"},
		GeneratedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	require.ElementsMatch(t, []string{"Summary", "Line Items", "Assumptions & Notes"}, f.GetSheetList())

	title, err := f.GetCellValue("Summary", "A1")
	require.NoError(t, err)
	require.Equal(t, "Fiber Buildout Budget", title)

	// Zero-cost rows are priced from rate and hours; explicit costs win.
	totalCost, err := f.GetCellValue("Summary", "B3")
	require.NoError(t, err)
	require.Equal(t, "10000", totalCost)
	totalHours, err := f.GetCellValue("Summary", "B4")
	require.NoError(t, err)
	require.Equal(t, "110", totalHours)

	// The line-item sheet closes with a total row.
	label, err := f.GetCellValue("Line Items", "A4")
	require.NoError(t, err)
	require.Equal(t, "Total", label)
	cost, err := f.GetCellValue("Line Items", "F4")
	require.NoError(t, err)
	require.Equal(t, "10000", cost)

	assumption, err := f.GetCellValue("Assumptions & Notes", "A2")
	require.NoError(t, err)
	require.Equal(t, "Permits granted by April", assumption)
}

func TestBudgetXLSXEmptyBudget(t *testing.T) {
	raw, err := render.BudgetXLSX(render.Budget{})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()

	title, err := f.GetCellValue("Summary", "A1")
	require.NoError(t, err)
	require.Equal(t, "Budget", title)
}

func TestContractContextFlattens(t *testing.T) {
	ctx := render.ContractContext(render.ContractInput{
		Case: map[string]any{
			"title": "MSA with Northwind",
			"terms": map[string]any{"net": 30},
		},
		Company:     map[string]any{"name": "Acme", "skip": nil},
		Preview:     true,
		GeneratedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})

	require.Equal(t, "MSA with Northwind", ctx["case.title"])
	require.Equal(t, "30", ctx["case.terms.net"])
	require.Equal(t, "Acme", ctx["company.name"])
	require.Equal(t, "true", ctx["preview"])
	require.Equal(t, "2026-03-01", ctx["generatedAt"])
	require.NotContains(t, ctx, "company.skip")
}

// docxTemplate builds a minimal DOCX-shaped archive around the body XML.
func docxTemplate(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	ct, err := w.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, err = ct.Write([]byte(`<?xml version="1.0"?><Types/>`))
	require.NoError(t, err)

	doc, err := w.Create("word/document.xml")
	require.NoError(t, err)
	_, err = doc.Write([]byte(body))
	require.NoError(t, err)

	bin, err := w.Create("word/media/logo.png")
	require.NoError(t, err)
	_, err = bin.Write([]byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	return buf.Bytes()
}

func readEntry(t *testing.T, raw []byte, name string) []byte {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	for _, entry := range r.File {
		if entry.Name != name {
			continue
		}
		rc, err := entry.Open()
		require.NoError(t, err)
		defer rc.Close()
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		return content
	}
	t.Fatalf("entry %s not found", name)
	return nil
}

func TestContractDOCXSubstitutes(t *testing.T) {
	template := docxTemplate(t, `<w:document><w:t>Agreement between {{company.name}} and {{case.client}} dated {{generatedAt}}. Missing: {{case.unknown}}</w:t></w:document>`)

	out, err := render.ContractDOCX(template, map[string]string{
		"company.name": "Acme & Sons",
		"case.client":  "Northwind",
		"generatedAt":  "2026-03-01",
	})
	require.NoError(t, err)

	doc := string(readEntry(t, out, "word/document.xml"))
	require.Contains(t, doc, "Acme &amp; Sons")
	require.Contains(t, doc, "Northwind")
	require.Contains(t, doc, "2026-03-01")
	// Unresolved placeholders stay visible for review.
	require.Contains(t, doc, "{{case.unknown}}")
	require.False(t, strings.Contains(doc, "{{company.name}}"))

	// Non-XML entries pass through untouched.
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, readEntry(t, out, "word/media/logo.png"))
}

func TestContractDOCXRejectsBadTemplates(t *testing.T) {
	_, err := render.ContractDOCX(nil, nil)
	require.Error(t, err)

	_, err = render.ContractDOCX([]byte("not a zip"), nil)
	require.Error(t, err)
}
