package report

import (
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

const (
	historySheet = "history"
	monthsSheet  = "months"
	peopleSheet  = "people"
)

var historyHeader = []any{
	"Period", "Person", "Old index", "New index", "Usage (kWh)",
	"Unit price", "Bill", "Electricity", "Ancillary", "Total", "Note",
}

// WriteXLSX renders the history with its month and person summaries as a
// three-sheet workbook.
func WriteXLSX(w io.Writer, h History, months []MonthSummary, people []PersonSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(monthsSheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", monthsSheet, err)
	}
	if _, err := f.NewSheet(peopleSheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", peopleSheet, err)
	}

	rows := [][]any{historyHeader}
	for _, l := range h.Lines {
		rows = append(rows, []any{
			string(l.Period), l.PersonName, l.OldIndex, l.NewIndex, l.UsageKWh,
			l.UnitPrice.InexactFloat64(), billLabel(l), l.ElectricityCost.InexactFloat64(),
			l.AncillaryCost.InexactFloat64(), l.Total.InexactFloat64(), l.Note,
		})
	}
	rows = append(rows, []any{
		"Total", "", nil, nil, h.Totals.UsageKWh, nil, nil,
		h.Totals.Electricity.InexactFloat64(), h.Totals.Ancillary.InexactFloat64(), h.Totals.Total.InexactFloat64(),
	})
	if err := writeRows(f, historySheet, rows); err != nil {
		return err
	}

	rows = [][]any{{"Period", "Readings", "Complete", "Locked", "Bill", "Usage (kWh)", "Electricity", "Ancillary", "Total"}}
	for _, m := range months {
		bill := ""
		if m.Bill != nil {
			bill = string(m.Bill.Period)
		}
		rows = append(rows, []any{
			string(m.Period), m.Readings, m.Complete, m.Locked, bill, m.UsageKWh,
			m.Electricity.InexactFloat64(), m.Ancillary.InexactFloat64(), m.Total.InexactFloat64(),
		})
	}
	if err := writeRows(f, monthsSheet, rows); err != nil {
		return err
	}

	rows = [][]any{{"Person", "Months", "Usage (kWh)", "Electricity", "Ancillary", "Total"}}
	for _, p := range people {
		rows = append(rows, []any{
			p.Name, p.Months, p.UsageKWh,
			p.Electricity.InexactFloat64(), p.Ancillary.InexactFloat64(), p.Total.InexactFloat64(),
		})
	}
	if err := writeRows(f, peopleSheet, rows); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func billLabel(l Line) string {
	switch {
	case !l.Billed:
		return ""
	case l.Enclosed:
		return "in " + string(l.BillPeriod)
	default:
		return string(l.BillPeriod)
	}
}

// WritePDF renders the history as a one-table A4 landscape document.
func WritePDF(w io.Writer, h History) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Electricity history")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Household: %s", h.Scope)))
	pdf.Ln(5)
	if h.Filter.Period != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Period: %s", h.Filter.Period))
		pdf.Ln(5)
	}
	pdf.Ln(4)

	widths := []float64{22, 50, 25, 25, 25, 28, 25, 30, 28, 30}
	header := []string{"Period", "Person", "Old", "New", "kWh", "Unit price", "Bill", "Electricity", "Ancillary", "Total"}
	pdf.SetFont("Arial", "B", 10)
	for i, title := range header {
		pdf.CellFormat(widths[i], 6, title, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 10)
	for _, l := range h.Lines {
		cells := []string{
			string(l.Period), tr(l.PersonName),
			fmt.Sprintf("%d", l.OldIndex), fmt.Sprintf("%d", l.NewIndex), fmt.Sprintf("%d", l.UsageKWh),
			l.UnitPrice.StringFixed(2), billLabel(l),
			l.ElectricityCost.StringFixed(0), l.AncillaryCost.StringFixed(0), l.Total.StringFixed(0),
		}
		for i, c := range cells {
			align := "R"
			if i < 2 || i == 6 {
				align = "L"
			}
			pdf.CellFormat(widths[i], 6, c, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(widths[0]+widths[1]+widths[2]+widths[3], 6, "Total", "1", 0, "L", false, 0, "")
	pdf.CellFormat(widths[4], 6, fmt.Sprintf("%d", h.Totals.UsageKWh), "1", 0, "R", false, 0, "")
	pdf.CellFormat(widths[5]+widths[6], 6, "", "1", 0, "", false, 0, "")
	pdf.CellFormat(widths[7], 6, h.Totals.Electricity.StringFixed(0), "1", 0, "R", false, 0, "")
	pdf.CellFormat(widths[8], 6, h.Totals.Ancillary.StringFixed(0), "1", 0, "R", false, 0, "")
	pdf.CellFormat(widths[9], 6, h.Totals.Total.StringFixed(0), "1", 0, "R", false, 0, "")
	pdf.Ln(-1)

	return pdf.Output(w)
}
