package service

import (
	"context"
	"fmt"

	"bloodbank-api/internal/model"
	"bloodbank-api/internal/repository"

	"github.com/xuri/excelize/v2"
)

var inventoryExportHeaders = []string{
	"ID", "Blood Group", "Volume (ml)", "Collected On", "Expires On", "Days Left", "Status", "Location", "Created By",
}

// exportPageSize is the page size used to walk the inventory.
const exportPageSize = 500

// ExportInventory writes the units matching f to a spreadsheet, soonest
// expiry first, with a per-group summary sheet. The caller closes the file.
func (s *InventoryService) ExportInventory(ctx context.Context, actor *model.Actor, f repository.UnitFilter) (*excelize.File, string, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, "", err
	}
	_, today := s.clock()

	var units []model.InventoryUnit
	f.Limit = exportPageSize
	for f.Offset = 0; ; f.Offset += exportPageSize {
		page, total, err := s.ListUnits(ctx, f)
		if err != nil {
			return nil, "", fmt.Errorf("list units: %w", err)
		}
		units = append(units, page...)
		if len(page) < exportPageSize || int64(len(units)) >= total {
			break
		}
	}

	x := excelize.NewFile()
	sheet := "Inventory"
	x.SetSheetName("Sheet1", sheet)

	boldStyle, _ := x.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#F2DCDB"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	expiringStyle, _ := x.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "#C00000"},
	})

	for i, h := range inventoryExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		x.SetCellValue(sheet, cell, h)
		x.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	type groupTotals struct {
		units, volume int
	}
	totals := make(map[model.BloodGroup]*groupTotals)

	for i, u := range units {
		row := i + 2
		daysLeft := model.DaysBetween(today, u.ExpiresOn)
		x.SetCellValue(sheet, fmt.Sprintf("A%d", row), u.ID)
		x.SetCellValue(sheet, fmt.Sprintf("B%d", row), string(u.BloodGroup))
		x.SetCellValue(sheet, fmt.Sprintf("C%d", row), u.VolumeML)
		x.SetCellValue(sheet, fmt.Sprintf("D%d", row), u.CollectedOn.Format(model.DateLayout))
		x.SetCellValue(sheet, fmt.Sprintf("E%d", row), u.ExpiresOn.Format(model.DateLayout))
		x.SetCellValue(sheet, fmt.Sprintf("F%d", row), daysLeft)
		x.SetCellValue(sheet, fmt.Sprintf("G%d", row), string(u.Status))
		x.SetCellValue(sheet, fmt.Sprintf("H%d", row), u.Location)
		x.SetCellValue(sheet, fmt.Sprintf("I%d", row), u.CreatedBy)

		if u.Status == model.UnitAvailable && daysLeft <= repository.ExpiringSoonDays {
			x.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("I%d", row), expiringStyle)
		}
		if u.Status == model.UnitAvailable && !u.Expired(today) {
			t, ok := totals[u.BloodGroup]
			if !ok {
				t = &groupTotals{}
				totals[u.BloodGroup] = t
			}
			t.units++
			t.volume += u.VolumeML
		}
	}

	colWidths := []float64{38, 12, 12, 14, 14, 10, 12, 18, 18}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		x.SetColWidth(sheet, col, col, w)
	}

	summary := "Summary"
	if _, err := x.NewSheet(summary); err != nil {
		x.Close()
		return nil, "", fmt.Errorf("create summary sheet: %w", err)
	}
	for i, h := range []string{"Blood Group", "Usable Units", "Usable Volume (ml)"} {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		x.SetCellValue(summary, cell, h)
		x.SetCellStyle(summary, cell, cell, boldStyle)
	}
	for i, g := range model.BloodGroups {
		row := i + 2
		x.SetCellValue(summary, fmt.Sprintf("A%d", row), string(g))
		n, vol := 0, 0
		if t, ok := totals[g]; ok {
			n, vol = t.units, t.volume
		}
		x.SetCellValue(summary, fmt.Sprintf("B%d", row), n)
		x.SetCellValue(summary, fmt.Sprintf("C%d", row), vol)
	}
	x.SetColWidth(summary, "A", "C", 20)

	filename := fmt.Sprintf("inventory_%s.xlsx", today.Format("20060102"))
	return x, filename, nil
}
