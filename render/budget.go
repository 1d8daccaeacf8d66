// Package render produces the outbound document artifacts: the XLSX budget
// workbook and contracting document rendering from stored DOCX templates.
package render

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

type (
	// LineItem is one budget row.
	LineItem struct {
		Phase string  `json:"phase"`
		Name  string  `json:"name"`
		Role  string  `json:"role"`
		Rate  float64 `json:"rate"`
		Hours float64 `json:"hours"`
		Cost  float64 `json:"cost"`
		Notes string  `json:"notes,omitempty"`
	}

	// Budget is the input to the workbook renderer.
	Budget struct {
		Title       string     `json:"title"`
		LineItems   []LineItem `json:"lineItems"`
		Assumptions []string   `json:"assumptions,omitempty"`
		Notes       []string   `json:"notes,omitempty"`
		GeneratedAt time.Time  `json:"generatedAt,omitempty"`
	}
)

// Sheet names of the budget workbook.
const (
	sheetSummary     = "Summary"
	sheetLineItems   = "Line Items"
	sheetAssumptions = "Assumptions & Notes"
)

// BudgetXLSX renders a three-sheet budget workbook. A line item with zero
// cost is priced from rate and hours.
func BudgetXLSX(b Budget) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return nil, fmt.Errorf("render: workbook: %w", err)
	}
	if _, err := f.NewSheet(sheetLineItems); err != nil {
		return nil, fmt.Errorf("render: workbook: %w", err)
	}
	if _, err := f.NewSheet(sheetAssumptions); err != nil {
		return nil, fmt.Errorf("render: workbook: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("render: workbook style: %w", err)
	}

	totalCost, totalHours := writeLineItems(f, b.LineItems, headerStyle)
	writeSummary(f, b, totalCost, totalHours, headerStyle)
	writeAssumptions(f, b, headerStyle)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("render: workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummary(f *excelize.File, b Budget, totalCost, totalHours float64, headerStyle int) {
	title := b.Title
	if title == "" {
		title = "Budget"
	}
	f.SetCellValue(sheetSummary, "A1", title)
	f.SetCellStyle(sheetSummary, "A1", "A1", headerStyle)
	f.SetCellValue(sheetSummary, "A3", "Total cost")
	f.SetCellValue(sheetSummary, "B3", totalCost)
	f.SetCellValue(sheetSummary, "A4", "Total hours")
	f.SetCellValue(sheetSummary, "B4", totalHours)
	f.SetCellValue(sheetSummary, "A5", "Line items")
	f.SetCellValue(sheetSummary, "B5", len(b.LineItems))
	generatedAt := b.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	f.SetCellValue(sheetSummary, "A6", "Generated")
	f.SetCellValue(sheetSummary, "B6", generatedAt.UTC().Format(time.RFC3339))
	f.SetColWidth(sheetSummary, "A", "A", 18)
	f.SetColWidth(sheetSummary, "B", "B", 24)
}

func writeLineItems(f *excelize.File, items []LineItem, headerStyle int) (totalCost, totalHours float64) {
	headers := []string{"Phase", "Name", "Role", "Rate", "Hours", "Cost", "Notes"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetLineItems, cell, h)
	}
	f.SetCellStyle(sheetLineItems, "A1", "G1", headerStyle)

	row := 2
	for _, item := range items {
		cost := item.Cost
		if cost == 0 {
			cost = item.Rate * item.Hours
		}
		totalCost += cost
		totalHours += item.Hours
		values := []any{item.Phase, item.Name, item.Role, item.Rate, item.Hours, cost, item.Notes}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			f.SetCellValue(sheetLineItems, cell, v)
		}
		row++
	}

	f.SetCellValue(sheetLineItems, fmt.Sprintf("A%d", row), "Total")
	f.SetCellValue(sheetLineItems, fmt.Sprintf("E%d", row), totalHours)
	f.SetCellValue(sheetLineItems, fmt.Sprintf("F%d", row), totalCost)
	f.SetCellStyle(sheetLineItems, fmt.Sprintf("A%d", row), fmt.Sprintf("G%d", row), headerStyle)
	f.SetColWidth(sheetLineItems, "A", "C", 20)
	f.SetColWidth(sheetLineItems, "G", "G", 40)
	return totalCost, totalHours
}

func writeAssumptions(f *excelize.File, b Budget, headerStyle int) {
	f.SetCellValue(sheetAssumptions, "A1", "Assumptions")
	f.SetCellStyle(sheetAssumptions, "A1", "A1", headerStyle)
	row := 2
	for _, a := range b.Assumptions {
		f.SetCellValue(sheetAssumptions, fmt.Sprintf("A%d", row), a)
		row++
	}
	row++
	f.SetCellValue(sheetAssumptions, fmt.Sprintf("A%d", row), "Notes")
	f.SetCellStyle(sheetAssumptions, fmt.Sprintf("A%d", row), fmt.Sprintf("A%d", row), headerStyle)
	row++
	for _, n := range b.Notes {
		f.SetCellValue(sheetAssumptions, fmt.Sprintf("A%d", row), n)
		row++
	}
	f.SetColWidth(sheetAssumptions, "A", "A", 80)
}
