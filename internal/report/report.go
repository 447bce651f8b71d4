// Package report renders a finished transfer as an XLSX workbook: a summary
// sheet comparing source and destination, and the captured remote listing.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/xuri/excelize/v2"

	"github.com/BadgerOps/castletracker/internal/engine"
)

const (
	summarySheet = "Summary"
	filesSheet   = "Files"

	timeLayout = "2006-01-02 15:04:05"
	nameLayout = "20060102_150405"
)

// FileName is the report name used for a report generated at now.
func FileName(now time.Time) string {
	return fmt.Sprintf("report_%s.xlsx", now.Format(nameLayout))
}

// Generate writes a report for stats into dir and returns the file name.
func Generate(dir string, stats engine.TransferStats, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	name := FileName(now)

	f, err := build(stats, now)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.SaveAs(filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("saving report: %w", err)
	}
	return name, nil
}

// Write renders the report to w.
func Write(w io.Writer, stats engine.TransferStats, now time.Time) error {
	f, err := build(stats, now)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func build(stats engine.TransferStats, now time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("naming summary sheet: %w", err)
	}
	if _, err := f.NewSheet(filesSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("adding files sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"D9D9D9"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating header style: %w", err)
	}

	if err := writeSummary(f, stats, now, header); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeFiles(f, stats.Files, header); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(timeLayout)
}

func writeSummary(f *excelize.File, stats engine.TransferStats, now time.Time, header int) error {
	rows := [][]interface{}{
		{"Transfer report"},
		{"Generated", now.Format(timeLayout)},
		{"Run", stats.RunID},
		{"Status", string(stats.Status)},
		{"Start", formatTime(stats.StartedAt)},
		{"End", formatTime(stats.FinishedAt)},
		{},
		{"", "Source", "Destination"},
		{"Path", stats.RemotePath, stats.LocalPath},
		{"Files", stats.RemoteFileCount, stats.LocalFileCount},
		{"Size (bytes)", stats.RemoteTotalBytes, stats.LocalTotalBytes},
		{"Size", humanize.IBytes(stats.RemoteTotalBytes), humanize.IBytes(stats.LocalTotalBytes)},
		{"Transferred (bytes)", stats.TransferredBytes},
		{"Average speed (MiB/s)", fmt.Sprintf("%.2f", stats.AverageBytesPerSec()/(1024*1024))},
		{"Elapsed", stats.Elapsed},
	}
	const tableHeaderRow = 8

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("writing summary row %d: %w", i+1, err)
		}
	}

	if err := f.SetCellStyle(summarySheet, "A1", "A1", header); err != nil {
		return fmt.Errorf("styling title: %w", err)
	}
	from, _ := excelize.CoordinatesToCellName(1, tableHeaderRow)
	to, _ := excelize.CoordinatesToCellName(3, tableHeaderRow)
	if err := f.SetCellStyle(summarySheet, from, to, header); err != nil {
		return fmt.Errorf("styling summary header: %w", err)
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 24); err != nil {
		return err
	}
	return f.SetColWidth(summarySheet, "B", "C", 40)
}

func writeFiles(f *excelize.File, files []engine.RemoteFile, header int) error {
	if err := f.SetSheetRow(filesSheet, "A1", &[]interface{}{"Path", "Size (bytes)"}); err != nil {
		return fmt.Errorf("writing files header: %w", err)
	}
	if err := f.SetCellStyle(filesSheet, "A1", "B1", header); err != nil {
		return fmt.Errorf("styling files header: %w", err)
	}

	for i, file := range files {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(filesSheet, cell, &[]interface{}{file.Path, file.Size}); err != nil {
			return fmt.Errorf("writing file row %d: %w", i+2, err)
		}
	}
	return f.SetColWidth(filesSheet, "A", "A", 70)
}
