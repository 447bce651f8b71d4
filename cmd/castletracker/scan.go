package main

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/castletracker/internal/engine"
)

var (
	scanRemote string
	scanLocal  string
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Count files and bytes on the remote and local sides",
		Long: `Query the remote for its file count, total size and listing, and count
what already exists at the local destination. Nothing is transferred.

Remote and local paths default to remote.path and local.path from the config.`,
		Example: `  castletracker scan
  castletracker scan --remote /export/data --local /srv/data`,
		RunE: scanRun,
	}

	cmd.Flags().StringVar(&scanRemote, "remote", "", "remote path on the SFTP server")
	cmd.Flags().StringVar(&scanLocal, "local", "", "local destination directory")

	return cmd
}

func scanRun(cmd *cobra.Command, args []string) error {
	sup, err := requireSupervisor()
	if err != nil {
		return err
	}
	target, err := parseTargetFlags(scanRemote, scanLocal)
	if err != nil {
		return err
	}

	res, scanErr := sup.Scan(cmd.Context(), target)
	if scanErr != nil {
		slog.Default().Warn("scan incomplete", "error", scanErr)
	}

	snap := sup.Stats().Snapshot()
	printScan(snap, res)
	return scanErr
}

func printScan(snap engine.TransferStats, res engine.ScanResult) {
	fmt.Printf("%-10s %-40s %10s %12s\n", "SIDE", "PATH", "FILES", "SIZE")
	fmt.Printf("%-10s %-40s %10s %12s\n", "----", "----", "-----", "----")
	fmt.Printf("%-10s %-40s %10s %12s\n", "remote", snap.RemotePath,
		humanize.Comma(int64(res.RemoteFileCount)), humanize.IBytes(res.RemoteTotalBytes))
	fmt.Printf("%-10s %-40s %10s %12s\n", "local", snap.LocalPath,
		humanize.Comma(int64(res.LocalFileCount)), humanize.IBytes(res.LocalTotalBytes))
}
