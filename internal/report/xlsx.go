// Package report exports a job snapshot as a spreadsheet.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/ChuLiYu/docbatch/internal/job"
	"github.com/ChuLiYu/docbatch/pkg/types"
)

const (
	SummarySheet = "Summary"
	FilesSheet   = "Files"
)

// File outcomes in the Files sheet.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomePending   = "pending"
)

// Row is one line of the Files sheet.
type Row struct {
	File    string
	Outcome string
	Error   string
}

// Rows lists every file of s in ingestion order with its outcome.
func Rows(s types.JobState) []Row {
	failed := make(map[string]string, len(s.Failed))
	for _, f := range s.Failed {
		failed[f.File] = f.Error
	}
	rows := make([]Row, 0, len(s.Files))
	for i, f := range s.Files {
		r := Row{File: f, Outcome: OutcomePending}
		if i < s.CurrentIndex {
			if msg, ok := failed[f]; ok {
				r.Outcome, r.Error = OutcomeFailed, msg
			} else {
				r.Outcome = OutcomeProcessed
			}
		}
		rows = append(rows, r)
	}
	return rows
}

// WriteXLSX writes a workbook with a Summary and a Files sheet.
func WriteXLSX(w io.Writer, s types.JobState) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	// NewFile starts with "Sheet1"; rename it instead of adding a sheet.
	if err := f.SetSheetName(f.GetSheetName(0), SummarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(FilesSheet); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	rep := job.Report(s)
	summary := [][2]any{
		{"status", string(rep.Status)},
		{"total", rep.Total},
		{"current", rep.Current},
		{"progress", rep.Progress},
		{"processed", rep.Processed},
		{"failed", rep.Failed},
	}
	for i, kv := range summary {
		if err := setRow(f, SummarySheet, i+1, kv[0], kv[1]); err != nil {
			return err
		}
	}

	if err := setRow(f, FilesSheet, 1, "file", "outcome", "error"); err != nil {
		return err
	}
	for i, r := range Rows(s) {
		if err := setRow(f, FilesSheet, i+2, r.File, r.Outcome, r.Error); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(SummarySheet, "A", "A", 14)
	_ = f.SetColWidth(SummarySheet, "B", "B", 14)
	_ = f.SetColWidth(FilesSheet, "A", "A", 40)
	_ = f.SetColWidth(FilesSheet, "B", "B", 12)
	_ = f.SetColWidth(FilesSheet, "C", "C", 80)
	f.SetActiveSheet(0)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values ...any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}
