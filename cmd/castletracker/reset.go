package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/castletracker/internal/safety"
)

var (
	resetPurgeRemote bool
	resetYes         bool
)

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Prepare for the next transfer, optionally purging the remote source",
		Long: `Clear transfer telemetry. With --purge-remote every file under remote.path
is deleted from the SFTP server and empty directories are removed, leaving
the root in place. Purging cannot be undone and requires --yes.

Reset refuses to run while another castletracker process holds the
transfer lock.`,
		Example: `  castletracker reset
  castletracker reset --purge-remote --yes`,
		RunE: resetRun,
	}

	cmd.Flags().BoolVar(&resetPurgeRemote, "purge-remote", false, "delete the remote source tree")
	cmd.Flags().BoolVar(&resetYes, "yes", false, "confirm a destructive purge")

	return cmd
}

func resetRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	sup, err := requireSupervisor()
	if err != nil {
		return err
	}

	var remote string
	if resetPurgeRemote {
		remote, err = safety.PurgeableRemotePath(globalCfg.Remote.Path)
		if err != nil {
			return err
		}
		if !resetYes {
			return fmt.Errorf("refusing to purge %s without --yes", remote)
		}
	}

	lock := flock.New(lockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring transfer lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("a transfer is running in another castletracker process")
	}
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
	defer cancel()

	if err := sup.Reset(ctx, resetPurgeRemote); err != nil {
		return err
	}

	if resetPurgeRemote {
		log.Info("remote purged", "remote", remote)
		if !quiet {
			fmt.Printf("Purged %s and reset transfer state\n", remote)
		}
	} else if !quiet {
		fmt.Println("Transfer state reset")
	}
	return nil
}
