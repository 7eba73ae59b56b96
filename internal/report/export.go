package report

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/xuri/excelize/v2"

	"inffits/internal"
	"inffits/internal/measure"
)

const (
	SheetSyncRuns = "sync_runs"
	SheetBodyData = "body_data"
)

var bodyFields = []string{
	measure.FieldHeight, measure.FieldWeight, measure.FieldChest, measure.FieldFitPreference,
	measure.FieldGender, measure.FieldFootLength, measure.FieldFootWidth, measure.FieldFootCircumference,
}

// ExportSyncRunsToXLSX writes the sync history, newest first as given, and when
// profile is not nil a second sheet with its cached measurements.
func ExportSyncRunsToXLSX(runs []internal.SyncRun, profile *internal.UserProfile, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	if err := f.SetSheetName(sheet, SheetSyncRuns); err != nil {
		return err
	}

	headers := []string{"id", "trace_id", "slot", "outcome", "detail", "created_at"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetSyncRuns, cell, h)
	}
	for i, run := range runs {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(SheetSyncRuns, cell, value)
		}
		set(1, run.ID)
		set(2, run.TraceID)
		set(3, string(run.Slot))
		set(4, string(run.Outcome))
		set(5, run.Detail)
		set(6, run.CreatedAt)
	}

	if profile != nil {
		if _, err := f.NewSheet(SheetBodyData); err != nil {
			return err
		}
		cell, _ := excelize.CoordinatesToCellName(1, 1)
		_ = f.SetCellValue(SheetBodyData, cell, "slot")
		for i, field := range bodyFields {
			cell, _ := excelize.CoordinatesToCellName(i+2, 1)
			_ = f.SetCellValue(SheetBodyData, cell, field)
		}

		slots := make([]string, 0, len(profile.BodyData))
		for s := range profile.BodyData {
			slots = append(slots, string(s))
		}
		sort.Strings(slots)
		for i, s := range slots {
			r := i + 2
			rec := profile.BodyData[internal.Slot(s)]
			cell, _ := excelize.CoordinatesToCellName(1, r)
			_ = f.SetCellValue(SheetBodyData, cell, s)
			for j, field := range bodyFields {
				cell, _ := excelize.CoordinatesToCellName(j+2, r)
				_ = f.SetCellValue(SheetBodyData, cell, measure.Display(rec, field))
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}
