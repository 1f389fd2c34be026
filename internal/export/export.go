// Package export writes violation listings to spreadsheets.
package export

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/chmdznr/violsync/pkg/models"
)

const sheetName = "Violations"

// Header is the column layout of an export
var Header = []string{
	"ID",
	"Captured At",
	"Category",
	"Description",
	"Latitude",
	"Longitude",
	"User",
	"Sync State",
	"Remote Image",
	"Local Image",
}

var columnWidths = []float64{8, 22, 18, 40, 12, 12, 16, 12, 50, 40}

// WriteXLSX writes records, oldest capture first, as an XLSX workbook
func WriteXLSX(w io.Writer, records []models.Violation) error {
	f, err := build(records)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// SaveXLSX writes records to an XLSX file at path
func SaveXLSX(path string, records []models.Violation) error {
	f, err := build(records)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func build(records []models.Violation) (*excelize.File, error) {
	sorted := make([]models.Violation, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CapturedAt.Equal(sorted[j].CapturedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CapturedAt.Before(sorted[j].CapturedAt)
	})

	f := excelize.NewFile()
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, title := range Header {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, title); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		colName, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(sheetName, colName, colName, columnWidths[col]); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.SetCellStyle(sheetName, "A1", fmt.Sprintf("%c1", 'A'+len(Header)-1), headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, v := range sorted {
		row := []interface{}{
			v.ID,
			v.CapturedAt.UTC().Format("2006-01-02 15:04:05"),
			string(v.Category),
			v.Description,
			nil,
			nil,
			v.UserID,
			v.SyncState.String(),
			v.RemoteImageRef,
			v.LocalImageRef,
		}
		if v.Location != nil {
			row[4] = v.Location.Latitude
			row[5] = v.Location.Longitude
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	return f, nil
}
