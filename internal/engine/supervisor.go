package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/BadgerOps/castletracker/internal/cmdlog"
	"github.com/BadgerOps/castletracker/internal/safety"
	"github.com/BadgerOps/castletracker/internal/store"
)

var (
	// ErrTransferRunning rejects a start, scan retarget or reset while a transfer is active.
	ErrTransferRunning = errors.New("transfer already running")
	// ErrTransferLocked means another castletracker process is running a transfer.
	ErrTransferLocked = errors.New("transfer lock held by another process")
)

// maxLineBytes bounds a single line of rclone output.
const maxLineBytes = 1024 * 1024

// Target names the remote source and local destination of a transfer.
type Target struct {
	RemotePath string
	LocalPath  string
}

// TransferTool is the rclone surface the supervisor drives.
type TransferTool interface {
	RemoteQuerier
	CopyCommand(ctx context.Context, remotePath, localPath string) (*exec.Cmd, error)
	Purge(ctx context.Context, remotePath string) error
}

// phase tracks where the background run is; guarded by Supervisor.mu.
type phase int

const (
	phaseIdle phase = iota
	phasePreparing
	phaseStreaming
	phaseFinishing
	phaseResetting
)

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Tool  TransferTool
	Stats *StatsStore
	// Store records run history; nil disables it.
	Store *store.Store
	// CmdLog receives completion markers; nil disables it.
	CmdLog *cmdlog.Log
	// LockPath, when set, is a lock file held for the duration of a run so
	// that two processes cannot supervise transfers from the same data dir.
	LockPath string
	Exclude  []string
	Defaults Target
	Logger   *slog.Logger
}

// Supervisor owns the rclone copy process and the start/stop/reset state
// machine. At most one transfer runs at a time.
type Supervisor struct {
	tool     TransferTool
	scanner  *Scanner
	stats    *StatsStore
	store    *store.Store
	cmdLog   *cmdlog.Log
	lock     *flock.Flock
	exclude  []string
	defaults Target
	logger   *slog.Logger

	mu       sync.Mutex
	phase    phase
	cancel   context.CancelFunc
	cmd      *exec.Cmd
	procInfo *process.Process
	done     chan struct{}
}

// NewSupervisor creates a Supervisor. A nil Stats gets a fresh store.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stats := opts.Stats
	if stats == nil {
		stats = NewStatsStore()
	}
	s := &Supervisor{
		tool:     opts.Tool,
		scanner:  NewScanner(opts.Tool, stats, opts.Exclude, logger),
		stats:    stats,
		store:    opts.Store,
		cmdLog:   opts.CmdLog,
		exclude:  opts.Exclude,
		defaults: opts.Defaults,
		logger:   logger,
	}
	if opts.LockPath != "" {
		s.lock = flock.New(opts.LockPath)
	}
	stats.SetTarget(opts.Defaults.RemotePath, opts.Defaults.LocalPath)
	return s
}

// Stats returns the store the supervisor writes to.
func (s *Supervisor) Stats() *StatsStore {
	return s.stats
}

func (s *Supervisor) resolve(t Target) Target {
	if t.RemotePath == "" {
		t.RemotePath = s.defaults.RemotePath
	}
	if t.LocalPath == "" {
		t.LocalPath = s.defaults.LocalPath
	}
	return t
}

// Start launches a transfer in the background and returns immediately.
// Progress is observed through the StatsStore. A Done or Stopped status
// left by the previous run is replaced without an explicit Reset.
func (s *Supervisor) Start(target Target) error {
	target = s.resolve(target)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseIdle || s.stats.Status() == StatusRunning {
		return ErrTransferRunning
	}
	if s.lock != nil {
		locked, err := s.lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring transfer lock: %w", err)
		}
		if !locked {
			return ErrTransferLocked
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.phase = phasePreparing
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stats.SetTarget(target.RemotePath, target.LocalPath)

	s.logger.Info("starting transfer", "remote", target.RemotePath, "local", target.LocalPath)
	go s.run(ctx, target, s.done)
	return nil
}

// run is the background task. Every path out of it passes through
// finalization once the store has entered running.
func (s *Supervisor) run(ctx context.Context, target Target, done chan struct{}) {
	defer close(done)
	defer s.release()

	if _, err := s.scanner.Scan(ctx, target.RemotePath, target.LocalPath); err != nil {
		s.logger.Warn("pre-transfer scan incomplete", "remote", target.RemotePath, "error", err)
	}

	runID := uuid.NewString()
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		s.logger.Info("transfer cancelled before launch", "remote", target.RemotePath)
		return
	}
	if err := s.stats.Begin(runID, time.Now()); err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to begin transfer", "error", err)
		return
	}
	s.mu.Unlock()
	s.recordStart(runID, target)

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = errors.Join(runErr, fmt.Errorf("panic in transfer loop: %v", r))
		}
		s.finalize(runID, target, runErr)
	}()
	runErr = s.stream(ctx, target)
	if errors.Is(runErr, context.Canceled) && s.stats.Status() == StatusStopped {
		// stopped before the process was spawned
		runErr = nil
	}
}

// stream launches rclone with stdout and stderr on one pipe and applies
// each parsed line to the store until the pipe closes.
func (s *Supervisor) stream(ctx context.Context, target Target) error {
	cmd, err := s.tool.CopyCommand(ctx, target.RemotePath, target.LocalPath)
	if err != nil {
		return fmt.Errorf("preparing copy: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating output pipe: %w", err)
	}
	defer pr.Close()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := s.launch(ctx, cmd); err != nil {
		pw.Close()
		return fmt.Errorf("starting rclone: %w", err)
	}
	// the child holds its own copy; ours must go so EOF arrives on exit
	pw.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lines := 0
	for scanner.Scan() {
		lines++
		for _, ev := range ParseLine(scanner.Text()) {
			s.stats.Apply(ev)
		}
	}
	readErr := scanner.Err()
	if readErr != nil {
		s.logger.Warn("reading rclone output failed, draining", "error", readErr)
		_, _ = io.Copy(io.Discard, pr)
	}

	waitErr := cmd.Wait()

	s.mu.Lock()
	s.phase = phaseFinishing
	s.cmd = nil
	s.procInfo = nil
	s.mu.Unlock()

	s.logger.Debug("rclone output closed", "lines", lines)
	if waitErr != nil && s.stats.Status() == StatusStopped {
		// killed on request
		waitErr = nil
	}
	return errors.Join(readErr, waitErr)
}

// launch starts cmd unless the run was cancelled, and publishes the handle
// for Stop.
func (s *Supervisor) launch(ctx context.Context, cmd *exec.Cmd) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	s.cmd = cmd
	s.phase = phaseStreaming

	info, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		s.logger.Debug("process info unavailable", "pid", cmd.Process.Pid, "error", err)
	} else {
		s.procInfo = info
	}
	return nil
}

// finalize stamps the terminal state and records the run.
func (s *Supervisor) finalize(runID string, target Target, runErr error) {
	final := s.stats.Finish(time.Now())

	count, total := LocalInventory(target.LocalPath, s.exclude)
	s.stats.SetLocal(count, total)

	if runErr != nil {
		s.logger.Error("transfer ended with error", "run_id", runID, "status", final, "error", runErr)
		s.cmdLog.Writef("Transfer failed: %v", runErr)
	}
	switch final {
	case StatusStopped:
		s.cmdLog.Write("Transfer stopped")
	default:
		s.cmdLog.Write("Transfer complete")
	}
	s.logger.Info("transfer finished", "run_id", runID, "status", final)

	s.recordFinish(s.stats.Snapshot(), runErr)
}

// release returns the supervisor to idle and drops the process lock.
func (s *Supervisor) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.phase = phaseIdle
	s.cmd = nil
	s.procInfo = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release transfer lock", "error", err)
		}
	}
}

// Stop terminates the running transfer. Stopping when nothing runs, or
// after the process already exited, is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case phasePreparing:
		// not launched yet: cancelling prevents the launch
		s.cancel()
		if s.stats.MarkStopped() {
			s.logger.Info("transfer stopped before launch")
		}
		return nil
	case phaseStreaming:
	default:
		return nil
	}

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if s.procInfo != nil {
		if alive, err := s.procInfo.IsRunning(); err == nil && !alive {
			return nil
		}
	}

	s.cancel()
	s.stats.MarkStopped()
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing rclone: %w", err)
	}
	s.logger.Info("transfer stop requested", "pid", s.cmd.Process.Pid)
	return nil
}

// Wait blocks until the current run (if any) has finished.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset stops any active transfer, waits for it to finalize, optionally
// purges the remote source, and clears all telemetry back to idle.
// Purging deletes remote data and must be an explicit caller decision.
func (s *Supervisor) Reset(ctx context.Context, purgeRemote bool) error {
	if err := s.Stop(); err != nil {
		return err
	}
	if err := s.Wait(ctx); err != nil {
		return err
	}
	return s.reset(ctx, purgeRemote)
}

// ResetIdle clears telemetry only when no transfer is active. Unlike Reset
// it never stops a run; it returns ErrTransferRunning instead.
func (s *Supervisor) ResetIdle(ctx context.Context) error {
	return s.reset(ctx, false)
}

func (s *Supervisor) reset(ctx context.Context, purgeRemote bool) error {
	s.mu.Lock()
	if s.phase != phaseIdle || s.stats.Status() == StatusRunning {
		s.mu.Unlock()
		return ErrTransferRunning
	}
	s.phase = phaseResetting
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.phase = phaseIdle
		s.mu.Unlock()
	}()

	if purgeRemote {
		remote, err := safety.PurgeableRemotePath(s.stats.Snapshot().RemotePath)
		if err != nil {
			return fmt.Errorf("purging remote: %w", err)
		}
		s.logger.Warn("purging remote source", "remote", remote)
		s.cmdLog.Writef("Purging remote %s", remote)
		if err := s.tool.Purge(ctx, remote); err != nil {
			s.cmdLog.Writef("Purge failed: %v", err)
			return fmt.Errorf("purging remote: %w", err)
		}
	}

	s.stats.Reset()
	s.logger.Info("transfer state reset", "purged", purgeRemote)
	return nil
}

// Scan refreshes the remote baseline without transferring. While a
// transfer is active the requested target is ignored in favour of the
// active one.
func (s *Supervisor) Scan(ctx context.Context, target Target) (ScanResult, error) {
	target = s.resolve(target)

	s.mu.Lock()
	if s.phase == phaseIdle {
		s.stats.SetTarget(target.RemotePath, target.LocalPath)
	} else {
		snap := s.stats.Snapshot()
		target = Target{RemotePath: snap.RemotePath, LocalPath: snap.LocalPath}
	}
	s.mu.Unlock()

	return s.scanner.Scan(ctx, target.RemotePath, target.LocalPath)
}

// Progress recomputes the local inventory and returns a fresh snapshot.
func (s *Supervisor) Progress() TransferStats {
	local := s.stats.Snapshot().LocalPath
	count, total := LocalInventory(local, s.exclude)
	s.stats.SetLocal(count, total)
	return s.stats.Snapshot()
}

// Close stops any active transfer and waits for it to finish.
func (s *Supervisor) Close(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Wait(ctx)
}

func (s *Supervisor) recordStart(runID string, target Target) {
	if s.store == nil {
		return
	}
	snap := s.stats.Snapshot()
	run := &store.TransferRun{
		ID:               runID,
		RemotePath:       target.RemotePath,
		LocalPath:        target.LocalPath,
		Status:           string(StatusRunning),
		StartTime:        *snap.StartedAt,
		RemoteFileCount:  int64(snap.RemoteFileCount),
		RemoteTotalBytes: int64(snap.RemoteTotalBytes),
	}
	if err := s.store.CreateTransferRun(run); err != nil {
		s.logger.Warn("failed to record transfer start", "run_id", runID, "error", err)
		return
	}

	files := make([]store.RunFile, 0, len(snap.Files))
	for _, f := range snap.Files {
		files = append(files, store.RunFile{Path: f.Path, Size: int64(f.Size)})
	}
	if err := s.store.AddRunFiles(runID, files); err != nil {
		s.logger.Warn("failed to record remote listing", "run_id", runID, "error", err)
	}
}

func (s *Supervisor) recordFinish(snap TransferStats, runErr error) {
	if s.store == nil {
		return
	}
	run := &store.TransferRun{
		ID:                 snap.RunID,
		RemotePath:         snap.RemotePath,
		LocalPath:          snap.LocalPath,
		Status:             string(snap.Status),
		RemoteFileCount:    int64(snap.RemoteFileCount),
		RemoteTotalBytes:   int64(snap.RemoteTotalBytes),
		LocalFileCount:     int64(snap.LocalFileCount),
		LocalTotalBytes:    int64(snap.LocalTotalBytes),
		TransferredBytes:   int64(snap.TransferredBytes),
		Percent:            snap.PercentComplete,
		ThroughputBytesSec: snap.Throughput,
		Elapsed:            snap.Elapsed,
	}
	if snap.StartedAt != nil {
		run.StartTime = *snap.StartedAt
	}
	if snap.FinishedAt != nil {
		run.EndTime = *snap.FinishedAt
	}
	if runErr != nil {
		run.ErrorMessage = runErr.Error()
	}
	if err := s.store.UpdateTransferRun(run); err != nil {
		s.logger.Warn("failed to record transfer result", "run_id", snap.RunID, "error", err)
	}
}
