// Package xlsx writes the monthly report as an Excel workbook.
package xlsx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	ports "feeledger/internal/sheets"

	"github.com/xuri/excelize/v2"
)

// Writer saves each report to a file under Dir.
type Writer struct {
	Dir string
}

var _ ports.ReportWriter = Writer{}

// WriteMonthlyReport saves the report as monthly_<from>_<to>.xlsx and returns the path.
func (w Writer) WriteMonthlyReport(ctx context.Context, r ports.Report) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return "", err
	}
	name := fmt.Sprintf("monthly_%s_%s.xlsx", r.From, r.To)
	path := filepath.Join(w.Dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	slog.InfoContext(ctx, "Monthly report written to workbook", "path", path, "months", len(r.Entries))
	return path, nil
}

// Encode writes the report workbook to out.
func Encode(out io.Writer, r ports.Report) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	title := fmt.Sprintf("%s..%s", r.From, r.To)
	if err := f.SetSheetName(sheet, title); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	sheet = title

	header := r.Header()
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	if err := f.SetRowStyle(sheet, 1, 1, bold); err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	rows := r.Rows()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetRowStyle(sheet, len(rows)+1, len(rows)+1, bold); err != nil {
		return fmt.Errorf("total style: %w", err)
	}
	if err := f.SetColWidth(sheet, "A", "D", 18); err != nil {
		return fmt.Errorf("column width: %w", err)
	}

	if err := f.Write(out); err != nil {
		return fmt.Errorf("encode workbook: %w", err)
	}
	return nil
}
