package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string, start time.Time) *TransferRun {
	return &TransferRun{
		ID:               id,
		RemotePath:       "/export/data",
		LocalPath:        "/srv/archive",
		Status:           "running",
		StartTime:        start,
		RemoteFileCount:  3,
		RemoteTotalBytes: 300,
	}
}

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNew(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Expected db to be initialized")
	}

	if store.logger == nil {
		t.Error("Expected logger to be initialized")
	}
}

func TestNewOnDiskReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "castletracker.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	s1, err := New(path, logger)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := s1.CreateTransferRun(sampleRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateTransferRun() failed: %v", err)
	}
	s1.Close()

	// reopening must not re-run migrations or lose data
	s2, err := New(path, logger)
	if err != nil {
		t.Fatalf("second New() failed: %v", err)
	}
	defer s2.Close()

	if _, err := s2.GetTransferRun("run-1"); err != nil {
		t.Errorf("run lost across reopen: %v", err)
	}
}

func TestClose(t *testing.T) {
	store, err := New(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	err = store.Close()
	if err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Verify the connection is closed by trying to use it
	_, err = store.ListTransferRuns(0)
	if err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

// ============================================================================
// TransferRun Tests
// ============================================================================

func TestCreateAndGetTransferRun(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateTransferRun(sampleRun("run-1", start)); err != nil {
		t.Fatalf("CreateTransferRun() failed: %v", err)
	}

	got, err := s.GetTransferRun("run-1")
	if err != nil {
		t.Fatalf("GetTransferRun() failed: %v", err)
	}

	if got.RemotePath != "/export/data" {
		t.Errorf("RemotePath = %q, want /export/data", got.RemotePath)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, start)
	}
	if !got.EndTime.IsZero() {
		t.Errorf("EndTime = %v, want zero while running", got.EndTime)
	}
	if got.RemoteTotalBytes != 300 {
		t.Errorf("RemoteTotalBytes = %d, want 300", got.RemoteTotalBytes)
	}
}

func TestCreateTransferRunRequiresID(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTransferRun(sampleRun("", time.Now())); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestCreateTransferRunDuplicateID(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTransferRun(sampleRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateTransferRun() failed: %v", err)
	}
	if err := s.CreateTransferRun(sampleRun("run-1", time.Now())); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestUpdateTransferRun(t *testing.T) {
	s := newTestStore(t)
	start := time.Now().UTC().Truncate(time.Second)
	run := sampleRun("run-1", start)
	if err := s.CreateTransferRun(run); err != nil {
		t.Fatalf("CreateTransferRun() failed: %v", err)
	}

	run.Status = "done"
	run.EndTime = start.Add(90 * time.Second)
	run.TransferredBytes = 300
	run.Percent = 100
	run.ThroughputBytesSec = 1048576
	run.Elapsed = "1m30s"
	run.LocalFileCount = 3
	run.LocalTotalBytes = 300
	if err := s.UpdateTransferRun(run); err != nil {
		t.Fatalf("UpdateTransferRun() failed: %v", err)
	}

	got, err := s.GetTransferRun("run-1")
	if err != nil {
		t.Fatalf("GetTransferRun() failed: %v", err)
	}
	if got.Status != "done" || got.Percent != 100 {
		t.Errorf("got status=%q percent=%d, want done/100", got.Status, got.Percent)
	}
	if !got.EndTime.Equal(run.EndTime) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, run.EndTime)
	}
	if got.ThroughputBytesSec != 1048576 {
		t.Errorf("ThroughputBytesSec = %v, want 1048576", got.ThroughputBytesSec)
	}
	if got.Elapsed != "1m30s" {
		t.Errorf("Elapsed = %q, want 1m30s", got.Elapsed)
	}
}

func TestUpdateTransferRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateTransferRun(sampleRun("missing", time.Now())); err == nil {
		t.Error("expected error updating missing run")
	}
}

func TestGetTransferRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTransferRun("missing"); err == nil {
		t.Error("expected error for missing run")
	}
}

func TestListTransferRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		run := sampleRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := s.CreateTransferRun(run); err != nil {
			t.Fatalf("CreateTransferRun() failed: %v", err)
		}
	}

	runs, err := s.ListTransferRuns(0)
	if err != nil {
		t.Fatalf("ListTransferRuns() failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].ID != "run-2" || runs[2].ID != "run-0" {
		t.Errorf("unexpected order: %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	limited, err := s.ListTransferRuns(2)
	if err != nil {
		t.Fatalf("ListTransferRuns(2) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d runs with limit 2", len(limited))
	}
}

func TestMarkInterruptedRuns(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateTransferRun(sampleRun("live", now)); err != nil {
		t.Fatalf("CreateTransferRun() failed: %v", err)
	}
	finished := sampleRun("finished", now)
	finished.Status = "done"
	finished.EndTime = now
	if err := s.CreateTransferRun(finished); err != nil {
		t.Fatalf("CreateTransferRun() failed: %v", err)
	}

	n, err := s.MarkInterruptedRuns(now.Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkInterruptedRuns() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d runs, want 1", n)
	}

	got, _ := s.GetTransferRun("live")
	if got.Status != "stopped" || got.ErrorMessage == "" {
		t.Errorf("interrupted run = %+v", got)
	}
	got, _ = s.GetTransferRun("finished")
	if got.Status != "done" {
		t.Errorf("finished run status changed to %q", got.Status)
	}
}

func TestPruneTransferRuns(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("run-%d", i)
		if err := s.CreateTransferRun(sampleRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("CreateTransferRun() failed: %v", err)
		}
		if err := s.AddRunFiles(id, []RunFile{{Path: "a", Size: 1}}); err != nil {
			t.Fatalf("AddRunFiles() failed: %v", err)
		}
	}

	n, err := s.PruneTransferRuns(2)
	if err != nil {
		t.Fatalf("PruneTransferRuns() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d runs, want 3", n)
	}

	runs, _ := s.ListTransferRuns(0)
	if len(runs) != 2 || runs[0].ID != "run-4" || runs[1].ID != "run-3" {
		t.Errorf("unexpected remaining runs: %+v", runs)
	}

	files, _ := s.ListRunFiles("run-0")
	if len(files) != 0 {
		t.Errorf("files of pruned run survived: %+v", files)
	}
}

// ============================================================================
// RunFile Tests
// ============================================================================

func TestAddAndListRunFiles(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateTransferRun(sampleRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateTransferRun() failed: %v", err)
	}

	files := []RunFile{
		{Path: "sub/b.bin", Size: 200},
		{Path: "a.bin", Size: 100},
	}
	if err := s.AddRunFiles("run-1", files); err != nil {
		t.Fatalf("AddRunFiles() failed: %v", err)
	}

	got, err := s.ListRunFiles("run-1")
	if err != nil {
		t.Fatalf("ListRunFiles() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d files, want 2", len(got))
	}
	if got[0].Path != "a.bin" || got[0].Size != 100 || got[0].RunID != "run-1" {
		t.Errorf("first file = %+v", got[0])
	}
	if got[1].Path != "sub/b.bin" {
		t.Errorf("second file = %+v", got[1])
	}
}

func TestAddRunFilesEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddRunFiles("run-1", nil); err != nil {
		t.Errorf("AddRunFiles(nil) = %v, want nil", err)
	}
	got, err := s.ListRunFiles("run-1")
	if err != nil {
		t.Fatalf("ListRunFiles() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d files, want 0", len(got))
	}
}
