package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/castletracker/internal/engine"
	"github.com/BadgerOps/castletracker/internal/safety"
)

var (
	transferRemote string
	transferLocal  string
)

func newTransferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Copy the remote tree to the local destination in the foreground",
		Long: `Scan the remote, then run rclone copy and show its progress until it
finishes. Ctrl-C stops the transfer; files already copied stay in place.

Only one transfer may run per data directory. A transfer started here is
rejected while "castletracker serve" is running one, and vice versa.`,
		Example: `  castletracker transfer
  castletracker transfer --remote /export/data --local /srv/data`,
		RunE: transferRun,
	}

	cmd.Flags().StringVar(&transferRemote, "remote", "", "remote path on the SFTP server")
	cmd.Flags().StringVar(&transferLocal, "local", "", "local destination directory")

	return cmd
}

// parseTargetFlags validates --remote/--local. Empty values fall back to the
// supervisor defaults.
func parseTargetFlags(remote, local string) (engine.Target, error) {
	var target engine.Target
	if remote != "" {
		clean, err := safety.CleanRemotePath(remote)
		if err != nil {
			return target, err
		}
		target.RemotePath = clean
	}
	if local != "" {
		abs, err := filepath.Abs(local)
		if err != nil {
			return target, fmt.Errorf("resolving local path: %w", err)
		}
		target.LocalPath = abs
	}
	return target, nil
}

func transferRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	sup, err := requireSupervisor()
	if err != nil {
		return err
	}
	target, err := parseTargetFlags(transferRemote, transferLocal)
	if err != nil {
		return err
	}

	if err := sup.Start(target); err != nil {
		if errors.Is(err, engine.ErrTransferLocked) {
			return fmt.Errorf("%w: is castletracker serve running a transfer?", err)
		}
		return fmt.Errorf("starting transfer: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()

	var bar *transferBar
	if !quiet {
		bar = newTransferBar()
	}

	stats := sup.Stats()
	interrupted := ctx.Done()
	for {
		changed := stats.Wait()
		bar.update(stats.Snapshot())

		select {
		case <-done:
			final := stats.Snapshot()
			bar.finish(final)
			printTransferSummary(final)
			if !final.Status.Terminal() {
				return fmt.Errorf("transfer cancelled before launch")
			}
			if final.Status == engine.StatusStopped {
				return fmt.Errorf("transfer stopped")
			}
			return nil
		case <-interrupted:
			interrupted = nil
			log.Info("interrupt received, stopping transfer")
			if err := sup.Stop(); err != nil {
				log.Error("failed to stop transfer", "error", err)
			}
		case <-changed:
		}
	}
}

// transferBar renders transferred bytes against the remote total. A nil
// *transferBar is a no-op so --quiet needs no special casing.
type transferBar struct {
	bar     *pb.ProgressBar
	started bool
}

func newTransferBar() *transferBar {
	bar := pb.New64(0)
	bar.Set(pb.Bytes, true)
	bar.SetWriter(os.Stderr)
	bar.SetTemplate(`{{string . "status"}} {{counters . }} {{bar . }} {{percent . }} {{string . "speed"}} {{string . "eta"}}`)
	return &transferBar{bar: bar}
}

func (b *transferBar) update(snap engine.TransferStats) {
	if b == nil || snap.Status == engine.StatusIdle {
		return
	}
	if !b.started {
		b.bar.Start()
		b.started = true
	}
	b.bar.SetTotal(int64(snap.RemoteTotalBytes))
	b.bar.SetCurrent(int64(snap.TransferredBytes))
	b.bar.Set("status", string(snap.Status))
	b.bar.Set("speed", snap.SpeedMiBps())
	if snap.ETA != "" {
		b.bar.Set("eta", "ETA "+snap.ETA)
	}
}

func (b *transferBar) finish(snap engine.TransferStats) {
	if b == nil || !b.started {
		return
	}
	b.update(snap)
	b.bar.Finish()
}

func printTransferSummary(snap engine.TransferStats) {
	if quiet {
		return
	}
	fmt.Printf("%-20s %s\n", "Status:", snap.Status)
	if snap.RunID != "" {
		fmt.Printf("%-20s %s\n", "Run:", snap.RunID)
	}
	fmt.Printf("%-20s %s -> %s\n", "Paths:", snap.RemotePath, snap.LocalPath)
	fmt.Printf("%-20s %s of %s (%d%%)\n", "Transferred:",
		humanize.IBytes(snap.TransferredBytes), humanize.IBytes(snap.RemoteTotalBytes), snap.PercentComplete)
	fmt.Printf("%-20s %s files, %s\n", "Local:",
		humanize.Comma(int64(snap.LocalFileCount)), humanize.IBytes(snap.LocalTotalBytes))
	fmt.Printf("%-20s %.2f MiB/s\n", "Average speed:", snap.AverageBytesPerSec()/(1024*1024))
	if snap.Elapsed != "" {
		fmt.Printf("%-20s %s\n", "Elapsed:", snap.Elapsed)
	}
}
