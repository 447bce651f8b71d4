package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/castletracker/internal/store"
)

var (
	statusLimit int
	statusPrune int
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the history of transfer runs",
		Long: `Display recent transfer runs, newest first, with their final status,
transferred size and duration. Runs are recorded by both "transfer" and
"serve".

Use --prune to delete all but the newest N runs.`,
		Example: `  castletracker status
  castletracker status --limit 5
  castletracker status --prune 100`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	cmd.Flags().IntVar(&statusPrune, "prune", -1, "keep only the newest N runs")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	if statusPrune >= 0 {
		n, err := globalStore.PruneTransferRuns(statusPrune)
		if err != nil {
			return err
		}
		log.Info("pruned transfer runs", "deleted", n, "kept", statusPrune)
	}

	runs, err := globalStore.ListTransferRuns(statusLimit)
	if err != nil {
		return fmt.Errorf("listing transfer runs: %w", err)
	}
	printRuns(runs, time.Now())
	return nil
}

func printRuns(runs []store.TransferRun, now time.Time) {
	if len(runs) == 0 {
		fmt.Println("No transfers recorded yet.")
		return
	}

	fmt.Printf("%-36s %-8s %-16s %5s %12s %10s  %s\n",
		"RUN", "STATUS", "STARTED", "PCT", "TRANSFERRED", "ELAPSED", "REMOTE")
	fmt.Printf("%-36s %-8s %-16s %5s %12s %10s  %s\n",
		"---", "------", "-------", "---", "-----------", "-------", "------")
	for _, run := range runs {
		elapsed := run.Elapsed
		if elapsed == "" {
			elapsed = "-"
		}
		fmt.Printf("%-36s %-8s %-16s %4d%% %12s %10s  %s\n",
			run.ID,
			run.Status,
			humanize.RelTime(run.StartTime, now, "ago", "from now"),
			run.Percent,
			humanize.IBytes(uint64(max(run.TransferredBytes, 0))),
			elapsed,
			run.RemotePath,
		)
		if run.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", run.ErrorMessage)
		}
	}
}
