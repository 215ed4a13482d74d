package shift

import (
	"fmt"
	"io"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// RenderSlip writes a one-page settlement slip for a closed shift as PDF.
func RenderSlip(w io.Writer, d Detail, currency string) error {
	if d.Shift.Settlement == nil || d.Shift.IsOpen() {
		return ErrShiftNotClosed
	}
	res := *d.Shift.Settlement
	money := func(v float64) string { return fmt.Sprintf("%.2f %s", v, currency) }

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Shift settlement", false)
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.Cell(0, 10, "Shift settlement")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	pdf.Cell(0, 7, fmt.Sprintf("Staff: %s", d.Staff.Name))
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Shift: %s", d.Shift.ID))
	pdf.Ln(6)
	closedAt := "-"
	if d.Shift.ClosedAt != nil {
		closedAt = d.Shift.ClosedAt.Format(time.RFC3339)
	}
	pdf.Cell(0, 7, fmt.Sprintf("Period: %s to %s", d.Shift.OpenedAt.Format(time.RFC3339), closedAt))
	pdf.Ln(6)
	hours := 0.0
	if d.Shift.HoursWorked != nil {
		hours = *d.Shift.HoursWorked
	}
	pdf.Cell(0, 7, fmt.Sprintf("Hours worked: %.2f", hours))
	pdf.Ln(6)
	pdf.Cell(0, 7, fmt.Sprintf("Transactions: %d, adjustments: %d", len(d.Items), len(d.Adjustments)))
	pdf.Ln(10)

	rows := [][2]string{
		{"Total revenue", money(res.TotalAmount)},
		{"Consumables", money(res.TotalConsumables)},
		{"Split (staff / business)", fmt.Sprintf("%.2f%% / %.2f%%", res.NormalizedPercentMaster, res.NormalizedPercentSalon)},
		{"Base staff share", money(res.BaseMasterShare)},
		{"Base business share", money(res.BaseSalonShare)},
		{"Hourly guarantee", money(res.GuaranteedAmount)},
		{"Top-up", money(res.TopupAmount)},
	}
	for _, row := range rows {
		pdf.CellFormat(90, 8, row[0], "1", 0, "L", false, 0, "")
		pdf.CellFormat(70, 8, row[1], "1", 1, "R", false, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(90, 9, "Staff payout", "1", 0, "L", false, 0, "")
	pdf.CellFormat(70, 9, money(res.FinalMasterShare), "1", 1, "R", false, 0, "")
	pdf.CellFormat(90, 9, "Business share", "1", 0, "L", false, 0, "")
	pdf.CellFormat(70, 9, money(res.FinalSalonShare), "1", 1, "R", false, 0, "")

	if pdf.Err() {
		return pdf.Error()
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render slip: %w", err)
	}
	return nil
}
