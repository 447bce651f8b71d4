package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/castletracker/internal/engine"
	"github.com/BadgerOps/castletracker/internal/report"
	"github.com/BadgerOps/castletracker/internal/store"
)

var (
	reportRunID  string
	reportDir    string
	reportOutput string
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write an XLSX report for a recorded transfer run",
		Long: `Write a spreadsheet summarizing a transfer run: paths, file counts and
sizes on both sides, transferred bytes, average speed and elapsed time, plus
the remote file listing captured when the run started.

Without --run the most recent run is used. --output writes to the given
file instead of a timestamped name in the report directory; "-" writes the
spreadsheet to stdout.`,
		Example: `  castletracker report
  castletracker report --run 0b8e4f0e-6a52-4c1e-9c55-3f1a0f3f4e0d --dir /tmp
  castletracker report --output - > transfer.xlsx`,
		RunE: reportRun,
	}

	cmd.Flags().StringVar(&reportRunID, "run", "", "transfer run id (default: latest)")
	cmd.Flags().StringVar(&reportDir, "dir", "", "output directory (default: server.report_dir)")
	cmd.Flags().StringVarP(&reportOutput, "output", "o", "", `output file, or "-" for stdout`)

	return cmd
}

func reportRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	run, err := lookupRun(globalStore, reportRunID)
	if err != nil {
		return err
	}
	files, err := globalStore.ListRunFiles(run.ID)
	if err != nil {
		return err
	}

	snap := statsFromRun(run, files)
	if reportOutput != "" {
		return writeReportTo(reportOutput, snap)
	}

	dir := reportDir
	if dir == "" {
		dir = globalCfg.DataPath(globalCfg.Server.ReportDir)
	}

	name, err := report.Generate(dir, snap, time.Now())
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	log.Info("report generated", "run_id", run.ID, "file", path)
	if !quiet {
		fmt.Println(path)
	}
	return nil
}

// writeReportTo streams the report to stdout ("-") or to the named file.
func writeReportTo(output string, snap engine.TransferStats) error {
	if output == "-" {
		return report.Write(os.Stdout, snap, time.Now())
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("creating report file: %w", err)
	}
	if err := report.Write(f, snap, time.Now()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing report file: %w", err)
	}
	slog.Default().Info("report written", "run_id", snap.RunID, "file", output)
	return nil
}

// lookupRun returns the run with the given id, or the newest run when id
// is empty.
func lookupRun(st *store.Store, id string) (*store.TransferRun, error) {
	if id != "" {
		return st.GetTransferRun(id)
	}
	runs, err := st.ListTransferRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no transfers recorded yet")
	}
	return &runs[0], nil
}

// statsFromRun rebuilds the telemetry of a finished run from its history
// record so it can be reported outside the process that ran it.
func statsFromRun(run *store.TransferRun, files []store.RunFile) engine.TransferStats {
	snap := engine.TransferStats{
		Status:           engine.Status(run.Status),
		RunID:            run.ID,
		RemotePath:       run.RemotePath,
		LocalPath:        run.LocalPath,
		Files:            make([]engine.RemoteFile, 0, len(files)),
		RemoteFileCount:  nonNegative(run.RemoteFileCount),
		RemoteTotalBytes: nonNegative(run.RemoteTotalBytes),
		LocalFileCount:   nonNegative(run.LocalFileCount),
		LocalTotalBytes:  nonNegative(run.LocalTotalBytes),
		TransferredBytes: nonNegative(run.TransferredBytes),
		PercentComplete:  run.Percent,
		Throughput:       run.ThroughputBytesSec,
		Elapsed:          run.Elapsed,
	}
	for _, f := range files {
		snap.Files = append(snap.Files, engine.RemoteFile{Path: f.Path, Size: nonNegative(f.Size)})
	}
	if !run.StartTime.IsZero() {
		started := run.StartTime
		snap.StartedAt = &started
	}
	if !run.EndTime.IsZero() {
		finished := run.EndTime
		snap.FinishedAt = &finished
	}
	return snap
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
