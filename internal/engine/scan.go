package engine

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/BadgerOps/castletracker/internal/rclone"
)

// RemoteQuerier is the read-only part of the rclone client used by scans.
type RemoteQuerier interface {
	Size(ctx context.Context, remotePath string) (rclone.SizeResult, error)
	List(ctx context.Context, remotePath string) ([]rclone.ListEntry, error)
}

// ScanResult summarizes one scan. Fields belonging to a failed query are zero.
type ScanResult struct {
	RemoteFileCount  uint64
	RemoteTotalBytes uint64
	Files            []RemoteFile
	LocalFileCount   uint64
	LocalTotalBytes  uint64
}

// Scanner populates the remote baseline of a StatsStore.
type Scanner struct {
	remote  RemoteQuerier
	stats   *StatsStore
	exclude []string
	logger  *slog.Logger
}

// NewScanner creates a Scanner writing into stats.
func NewScanner(remote RemoteQuerier, stats *StatsStore, exclude []string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		remote:  remote,
		stats:   stats,
		exclude: exclude,
		logger:  logger,
	}
}

// Scan queries the remote for its aggregate size and its full listing, and
// recomputes the local inventory. The two remote queries are independent;
// whichever fails has its store fields cleared instead of keeping a previous
// scan's numbers. A cancelled scan changes nothing. The returned error is
// informational only.
func (s *Scanner) Scan(ctx context.Context, remotePath, localPath string) (ScanResult, error) {
	var (
		res              ScanResult
		sizeErr, listErr error
		size             rclone.SizeResult
		entries          []rclone.ListEntry
	)

	// each query reports its own failure; the group never cancels its sibling
	var g errgroup.Group
	g.Go(func() error {
		size, sizeErr = s.remote.Size(ctx, remotePath)
		return nil
	})
	g.Go(func() error {
		entries, listErr = s.remote.List(ctx, remotePath)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// cancelled, not failed: keep the previous baseline
		s.logger.Info("scan cancelled", "remote", remotePath)
		return res, err
	}

	if sizeErr != nil {
		s.logger.Warn("remote size query failed", "remote", remotePath, "error", sizeErr)
		s.stats.SetRemoteTotals(0, 0)
	} else {
		res.RemoteFileCount = size.Count
		res.RemoteTotalBytes = size.Bytes
		s.stats.SetRemoteTotals(size.Count, size.Bytes)
	}

	if listErr != nil {
		s.logger.Warn("remote listing failed", "remote", remotePath, "error", listErr)
		s.stats.SetRemoteFiles(nil)
		res.Files = []RemoteFile{}
	} else {
		files := make([]RemoteFile, 0, len(entries))
		for _, e := range entries {
			files = append(files, RemoteFile{Path: e.Path, Size: uint64(e.Size)})
		}
		res.Files = files
		s.stats.SetRemoteFiles(files)
	}

	res.LocalFileCount, res.LocalTotalBytes = LocalInventory(localPath, s.exclude)
	s.stats.SetLocal(res.LocalFileCount, res.LocalTotalBytes)

	s.logger.Info("scan complete",
		"remote", remotePath,
		"remote_files", res.RemoteFileCount,
		"remote_bytes", res.RemoteTotalBytes,
		"listed", len(res.Files),
		"local_files", res.LocalFileCount,
		"local_bytes", res.LocalTotalBytes,
	)

	return res, errors.Join(sizeErr, listErr)
}
