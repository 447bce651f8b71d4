//go:build !windows

package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BadgerOps/castletracker/internal/cmdlog"
	"github.com/BadgerOps/castletracker/internal/config"
	"github.com/BadgerOps/castletracker/internal/rclone"
	"github.com/BadgerOps/castletracker/internal/rclone/rclonetest"
	"github.com/BadgerOps/castletracker/internal/store"
)

const threeFiles = `[{"Path":"a.bin","Name":"a.bin","Size":100,"IsDir":false},` +
	`{"Path":"b.bin","Name":"b.bin","Size":100,"IsDir":false},` +
	`{"Path":"sub/c.bin","Name":"c.bin","Size":100,"IsDir":false}]`

type harness struct {
	sup    *Supervisor
	bin    *rclonetest.Binary
	store  *store.Store
	cmdLog *bytes.Buffer
	local  string
}

func newHarness(t *testing.T, fake rclonetest.Fake, binary string) *harness {
	t.Helper()
	if fake.SizeJSON == "" {
		fake.SizeJSON = `{"count":3,"bytes":300}`
	}
	if fake.ListJSON == "" {
		fake.ListJSON = threeFiles
	}
	bin := rclonetest.Install(t, fake)
	if binary == "" {
		binary = bin.Path
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var logBuf bytes.Buffer
	cl := cmdlog.New(&logBuf)
	client := rclone.NewClient(
		config.RcloneConfig{Binary: binary},
		config.RemoteConfig{Host: "nas", Port: 22, User: "backup", Password: "pw", Path: "/export"},
		cl, logger,
	)

	st, err := store.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	local := t.TempDir()
	sup := NewSupervisor(SupervisorOptions{
		Tool:     client,
		Store:    st,
		CmdLog:   cl,
		LockPath: filepath.Join(t.TempDir(), "transfer.lock"),
		Defaults: Target{RemotePath: "/export", LocalPath: local},
		Logger:   logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Close(ctx)
	})
	return &harness{sup: sup, bin: bin, store: st, cmdLog: &logBuf, local: local}
}

func waitFinished(t *testing.T, sup *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
}

func TestSupervisorTransferRunsToDone(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{
		CopyLines: []string{
			"2026/10/19 10:00:00 INFO  : a.bin: Copied (new)",
			"Transferred:   \t100 B / 300 B, 33%, 100 B/s, ETA 2s",
			"Transferred:   \t300 B / 300 B, 100%, 100 B/s, ETA 0s",
			"Elapsed time:        3.0s",
		},
	}, "")

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)

	snap := h.sup.Stats().Snapshot()
	assert.Equal(t, StatusDone, snap.Status)
	assert.Equal(t, 100, snap.PercentComplete)
	assert.EqualValues(t, 300, snap.TransferredBytes)
	assert.EqualValues(t, 3, snap.RemoteFileCount)
	assert.EqualValues(t, 300, snap.RemoteTotalBytes)
	assert.Len(t, snap.Files, 3)
	assert.Equal(t, "3.0s", snap.Elapsed)
	require.NotNil(t, snap.StartedAt)
	require.NotNil(t, snap.FinishedAt)
	assert.NotEmpty(t, snap.RunID)

	assert.Contains(t, h.cmdLog.String(), "Transfer complete")

	run, err := h.store.GetTransferRun(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, "done", run.Status)
	assert.EqualValues(t, 300, run.TransferredBytes)
	assert.False(t, run.EndTime.IsZero())

	files, err := h.store.ListRunFiles(snap.RunID)
	require.NoError(t, err)
	assert.Len(t, files, 3)

	var copyCall string
	for _, c := range h.bin.Calls(t) {
		if strings.HasPrefix(c, "copy ") {
			copyCall = c
		}
	}
	require.NotEmpty(t, copyCall, "copy was never invoked")
	assert.True(t, strings.HasPrefix(copyCall, "copy :sftp:/export --sftp-host nas"))
	assert.Contains(t, copyCall, "obscured-pw "+h.local+" --stats 1s --log-level INFO")
}

func TestSupervisorDoneForcesFullPercent(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{
		CopyLines: []string{"Transferred:   \t10 B / 300 B, 3%, 10 B/s, ETA 29s"},
	}, "")

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)

	snap := h.sup.Stats().Snapshot()
	assert.Equal(t, StatusDone, snap.Status)
	assert.Equal(t, 100, snap.PercentComplete)
}

func TestSupervisorStopEndsStopped(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{
		CopyLines: []string{"Transferred:   \t100 B / 300 B, 33%, 100 B/s, ETA 2s"},
		CopyHang:  true,
	}, "")

	require.NoError(t, h.sup.Start(Target{}))
	require.Eventually(t, func() bool {
		return h.sup.Stats().Snapshot().PercentComplete == 33
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, h.sup.Stop())
	assert.Equal(t, StatusStopped, h.sup.Stats().Status())

	// a second stop is a no-op
	require.NoError(t, h.sup.Stop())
	waitFinished(t, h.sup)

	snap := h.sup.Stats().Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Equal(t, 33, snap.PercentComplete)
	assert.NotNil(t, snap.FinishedAt)
	assert.Contains(t, h.cmdLog.String(), "Transfer stopped")

	run, err := h.store.GetTransferRun(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, "stopped", run.Status)
	assert.Empty(t, run.ErrorMessage)
}

func TestSupervisorStopDuringScanPreventsLaunch(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{QueryDelay: 5 * time.Second}, "")
	h.sup.Stats().SetRemoteTotals(3, 300)

	require.NoError(t, h.sup.Start(Target{}))
	require.Eventually(t, func() bool {
		for _, c := range h.bin.Calls(t) {
			if strings.HasPrefix(c, "size ") {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, h.sup.Stop())
	waitFinished(t, h.sup)

	for _, c := range h.bin.Calls(t) {
		assert.False(t, strings.HasPrefix(c, "copy "), "copy must not be launched: %s", c)
	}
	snap := h.sup.Stats().Snapshot()
	assert.NotEqual(t, StatusDone, snap.Status)
	assert.EqualValues(t, 3, snap.RemoteFileCount, "a cancelled scan keeps the baseline")
	assert.EqualValues(t, 300, snap.RemoteTotalBytes)
	assert.NotContains(t, h.cmdLog.String(), "Transfer failed")

	runs, err := h.store.ListTransferRuns(10)
	require.NoError(t, err)
	for _, run := range runs {
		assert.Empty(t, run.ErrorMessage)
	}
}

// stopOnCopyTool issues a Stop at the moment the copy command is prepared,
// after the run has begun but before the process is spawned.
type stopOnCopyTool struct {
	stubQuerier
	sup *Supervisor
}

func (t *stopOnCopyTool) CopyCommand(ctx context.Context, remotePath, localPath string) (*exec.Cmd, error) {
	if err := t.sup.Stop(); err != nil {
		return nil, err
	}
	return exec.CommandContext(ctx, "true"), nil
}

func (t *stopOnCopyTool) Purge(context.Context, string) error { return nil }

func TestSupervisorStopBeforeLaunchRecordsNoError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var logBuf bytes.Buffer
	tool := &stopOnCopyTool{stubQuerier: stubQuerier{
		size: rclone.SizeResult{Count: 1, Bytes: 10},
		list: []rclone.ListEntry{{Path: "a.bin", Size: 10}},
	}}
	sup := NewSupervisor(SupervisorOptions{
		Tool:     tool,
		Store:    st,
		CmdLog:   cmdlog.New(&logBuf),
		Defaults: Target{RemotePath: "/export", LocalPath: t.TempDir()},
		Logger:   logger,
	})
	tool.sup = sup

	require.NoError(t, sup.Start(Target{}))
	waitFinished(t, sup)

	snap := sup.Stats().Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.Contains(t, logBuf.String(), "Transfer stopped")
	assert.NotContains(t, logBuf.String(), "Transfer failed")

	run, err := st.GetTransferRun(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, "stopped", run.Status)
	assert.Empty(t, run.ErrorMessage)
}

func TestSupervisorStopWithoutTransferIsNoop(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{}, "")

	require.NoError(t, h.sup.Stop())
	assert.Equal(t, StatusIdle, h.sup.Stats().Status())
}

func TestSupervisorStopAfterDoneKeepsDone(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{}, "")

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)
	require.NoError(t, h.sup.Stop())
	assert.Equal(t, StatusDone, h.sup.Stats().Status())
}

func TestSupervisorRejectsConcurrentStart(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{CopyHang: true}, "")

	require.NoError(t, h.sup.Start(Target{}))
	assert.ErrorIs(t, h.sup.Start(Target{}), ErrTransferRunning)

	require.NoError(t, h.sup.Stop())
	waitFinished(t, h.sup)
}

func TestSupervisorLockRejectsSecondProcess(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{CopyHang: true}, "")
	lockPath := filepath.Join(t.TempDir(), "shared.lock")

	first := NewSupervisor(SupervisorOptions{
		Tool:     h.sup.tool,
		LockPath: lockPath,
		Defaults: h.sup.defaults,
		Logger:   h.sup.logger,
	})
	second := NewSupervisor(SupervisorOptions{
		Tool:     h.sup.tool,
		LockPath: lockPath,
		Defaults: h.sup.defaults,
		Logger:   h.sup.logger,
	})

	for _, s := range []*Supervisor{first, second} {
		t.Cleanup(func() { s.Close(context.Background()) })
	}

	require.NoError(t, first.Start(Target{}))
	assert.ErrorIs(t, second.Start(Target{}), ErrTransferLocked)

	require.NoError(t, first.Stop())
	waitFinished(t, first)

	// the lock is released once the run finishes
	require.NoError(t, second.Start(Target{}))
	require.NoError(t, second.Stop())
	waitFinished(t, second)
}

func TestSupervisorMissingBinaryStillFinalizes(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{}, filepath.Join(t.TempDir(), "no-such-rclone"))

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)

	snap := h.sup.Stats().Snapshot()
	assert.Equal(t, StatusDone, snap.Status)
	assert.Zero(t, snap.RemoteFileCount, "failed scan must not leave stale totals")
	assert.Empty(t, snap.Files)
	assert.Contains(t, h.cmdLog.String(), "Transfer complete")

	run, err := h.store.GetTransferRun(snap.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ErrorMessage)
}

func TestSupervisorCopyFailureStillDone(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{
		CopyLines: []string{"ERROR : a.bin: Failed to copy: permission denied"},
		CopyExit:  1,
	}, "")

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)

	snap := h.sup.Stats().Snapshot()
	assert.Equal(t, StatusDone, snap.Status)

	run, err := h.store.GetTransferRun(snap.RunID)
	require.NoError(t, err)
	assert.Contains(t, run.ErrorMessage, "exit status 1")
}

func TestSupervisorResetAfterDone(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{
		CopyLines: []string{"Transferred:   \t300 B / 300 B, 100%, 100 B/s, ETA 0s"},
	}, "")

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)

	require.NoError(t, h.sup.Reset(context.Background(), false))

	snap := h.sup.Stats().Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Zero(t, snap.PercentComplete)
	assert.Zero(t, snap.TransferredBytes)
	assert.Zero(t, snap.RemoteFileCount)
	assert.Empty(t, snap.Files)
	assert.Nil(t, snap.StartedAt)
	assert.Nil(t, snap.FinishedAt)

	for _, c := range h.bin.Calls(t) {
		assert.False(t, strings.HasPrefix(c, "delete "), "reset without purge touched the remote")
	}
}

func TestSupervisorResetStopsRunningTransfer(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{CopyHang: true}, "")

	require.NoError(t, h.sup.Start(Target{}))
	require.Eventually(t, func() bool {
		return h.sup.Stats().Status() == StatusRunning
	}, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Reset(ctx, false))
	assert.Equal(t, StatusIdle, h.sup.Stats().Status())
}

func TestSupervisorResetIdleLeavesRunningTransfer(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{CopyHang: true}, "")

	require.NoError(t, h.sup.Start(Target{}))
	require.Eventually(t, func() bool {
		return h.sup.Stats().Status() == StatusRunning
	}, 10*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, h.sup.ResetIdle(context.Background()), ErrTransferRunning)
	assert.Equal(t, StatusRunning, h.sup.Stats().Status())

	require.NoError(t, h.sup.Stop())
	waitFinished(t, h.sup)

	require.NoError(t, h.sup.ResetIdle(context.Background()))
	assert.Equal(t, StatusIdle, h.sup.Stats().Status())
}

func TestSupervisorResetWithPurge(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{}, "")

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)
	require.NoError(t, h.sup.Reset(context.Background(), true))

	var deleteIdx, rmdirsIdx = -1, -1
	for i, c := range h.bin.Calls(t) {
		switch {
		case strings.HasPrefix(c, "delete :sftp:/export"):
			deleteIdx = i
		case strings.HasPrefix(c, "rmdirs :sftp:/export"):
			rmdirsIdx = i
			assert.Contains(t, c, "--leave-root")
		}
	}
	require.NotEqual(t, -1, deleteIdx, "delete not invoked")
	require.NotEqual(t, -1, rmdirsIdx, "rmdirs not invoked")
	assert.Less(t, deleteIdx, rmdirsIdx)
	assert.Equal(t, StatusIdle, h.sup.Stats().Status())
}

func TestSupervisorStartAfterDoneBeginsFreshRun(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{}, "")

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)
	firstID := h.sup.Stats().Snapshot().RunID

	require.NoError(t, h.sup.Start(Target{}))
	waitFinished(t, h.sup)
	second := h.sup.Stats().Snapshot()

	assert.NotEqual(t, firstID, second.RunID)
	assert.Equal(t, StatusDone, second.Status)

	runs, err := h.store.ListTransferRuns(0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSupervisorProgressRecomputesLocal(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{}, "")
	writeFile(t, filepath.Join(h.local, "x.bin"), 42)

	snap := h.sup.Progress()
	assert.EqualValues(t, 1, snap.LocalFileCount)
	assert.EqualValues(t, 42, snap.LocalTotalBytes)

	writeFile(t, filepath.Join(h.local, "y.bin"), 8)
	snap = h.sup.Progress()
	assert.EqualValues(t, 2, snap.LocalFileCount)
	assert.EqualValues(t, 50, snap.LocalTotalBytes)
}

func TestSupervisorScanUsesRequestedTarget(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{}, "")
	other := t.TempDir()

	res, err := h.sup.Scan(context.Background(), Target{RemotePath: "/elsewhere", LocalPath: other})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.RemoteFileCount)

	snap := h.sup.Stats().Snapshot()
	assert.Equal(t, "/elsewhere", snap.RemotePath)
	assert.Equal(t, other, snap.LocalPath)
	assert.Equal(t, StatusIdle, snap.Status)
}

func TestSupervisorPurgeRefusesRemoteRoot(t *testing.T) {
	h := newHarness(t, rclonetest.Fake{}, "")
	h.sup.Stats().SetTarget("/", h.local)

	err := h.sup.Reset(context.Background(), true)
	require.Error(t, err)
	for _, c := range h.bin.Calls(t) {
		assert.False(t, strings.HasPrefix(c, "delete "), "remote root must never be purged")
	}
}
