package engine

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle marker of the supervised transfer.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusDone    Status = "done"
)

// Terminal reports whether no further telemetry updates will occur until reset.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusStopped
}

// RemoteFile is one entry of the remote inventory captured at scan time.
type RemoteFile struct {
	Path string `json:"path"`
	Size uint64 `json:"size"`
}

// TransferStats is a point-in-time copy of the store, safe for JSON serialization.
type TransferStats struct {
	Status           Status       `json:"status"`
	RunID            string       `json:"run_id,omitempty"`
	RemotePath       string       `json:"remote_path"`
	LocalPath        string       `json:"local_path"`
	Files            []RemoteFile `json:"files"`
	RemoteFileCount  uint64       `json:"remote_count"`
	RemoteTotalBytes uint64       `json:"remote_total_bytes"`
	LocalFileCount   uint64       `json:"local_count"`
	LocalTotalBytes  uint64       `json:"local_total_bytes"`
	TransferredBytes uint64       `json:"transferred_bytes"`
	PercentComplete  int          `json:"percent"`
	Throughput       float64      `json:"throughput_bytes_per_sec"`
	ETA              string       `json:"eta"`
	Elapsed          string       `json:"elapsed"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
}

// SpeedMiBps renders the last reported throughput as "x.xx MiB/s".
func (t TransferStats) SpeedMiBps() string {
	return fmt.Sprintf("%.2f MiB/s", t.Throughput/(1024*1024))
}

// AverageBytesPerSec is transferred bytes over wall-clock run time. Runs
// without both timestamps fall back to the last reported throughput.
func (t TransferStats) AverageBytesPerSec() float64 {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return t.Throughput
	}
	secs := t.FinishedAt.Sub(*t.StartedAt).Seconds()
	if secs <= 0 {
		return t.Throughput
	}
	return float64(t.TransferredBytes) / secs
}

// StatsStore guards the single TransferStats aggregate. Every mutation is
// one locked update, so readers never see half of an applied event.
type StatsStore struct {
	mu    sync.RWMutex
	stats TransferStats

	// Notification channel: close-and-replace pattern.
	// Listeners call Wait() to get the current channel, then block on it.
	notify chan struct{}
}

// NewStatsStore creates an idle store.
func NewStatsStore() *StatsStore {
	return &StatsStore{
		stats:  TransferStats{Status: StatusIdle, Files: []RemoteFile{}},
		notify: make(chan struct{}),
	}
}

// Snapshot returns a copy of the current state. Files is shared with the
// store; it is only ever replaced, never modified in place.
func (s *StatsStore) Snapshot() TransferStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Status returns the current lifecycle marker.
func (s *StatsStore) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.Status
}

// Wait returns a channel that will be closed when the next update occurs.
// Callers should select on this channel alongside a timeout for heartbeats.
func (s *StatsStore) Wait() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

// signal closes the current notify channel and replaces it with a new one.
// Must be called with s.mu held.
func (s *StatsStore) signal() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// SetTarget records the remote and local paths the next scan/transfer uses.
func (s *StatsStore) SetTarget(remotePath, localPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.RemotePath = remotePath
	s.stats.LocalPath = localPath
	s.signal()
}

// SetRemoteTotals stores the aggregate count/size from a scan.
func (s *StatsStore) SetRemoteTotals(count, totalBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.RemoteFileCount = count
	s.stats.RemoteTotalBytes = totalBytes
	s.signal()
}

// SetRemoteFiles replaces the remote listing. A nil slice is stored as empty.
func (s *StatsStore) SetRemoteFiles(files []RemoteFile) {
	if files == nil {
		files = []RemoteFile{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Files = files
	s.signal()
}

// SetLocal stores a freshly computed local inventory.
func (s *StatsStore) SetLocal(count, totalBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.LocalFileCount == count && s.stats.LocalTotalBytes == totalBytes {
		return
	}
	s.stats.LocalFileCount = count
	s.stats.LocalTotalBytes = totalBytes
	s.signal()
}

// Begin clears the progress telemetry and enters running. The scan baseline
// (remote totals, file listing, target) is carried over. It fails if a
// transfer is already running.
func (s *StatsStore) Begin(runID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Status == StatusRunning {
		return ErrTransferRunning
	}
	started := now
	s.stats = TransferStats{
		Status:           StatusRunning,
		RunID:            runID,
		RemotePath:       s.stats.RemotePath,
		LocalPath:        s.stats.LocalPath,
		Files:            s.stats.Files,
		RemoteFileCount:  s.stats.RemoteFileCount,
		RemoteTotalBytes: s.stats.RemoteTotalBytes,
		LocalFileCount:   s.stats.LocalFileCount,
		LocalTotalBytes:  s.stats.LocalTotalBytes,
		StartedAt:        &started,
	}
	s.signal()
	return nil
}

// Apply folds one parsed event into the store. Events arriving outside
// running are dropped and Apply reports false.
func (s *StatsStore) Apply(ev ProgressEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Status != StatusRunning {
		return false
	}
	switch e := ev.(type) {
	case GlobalProgress:
		if e.TransferredBytes > s.stats.TransferredBytes {
			s.stats.TransferredBytes = e.TransferredBytes
		}
		s.stats.PercentComplete = clampPercent(e.Percent)
		s.stats.Throughput = max(e.ThroughputBytesPerSec, 0)
		s.stats.ETA = e.ETA
	case ElapsedTime:
		s.stats.Elapsed = e.Elapsed
	default:
		return false
	}
	s.signal()
	return true
}

// MarkStopped moves running to stopped. It reports whether the transition happened.
func (s *StatsStore) MarkStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.Status != StatusRunning {
		return false
	}
	s.stats.Status = StatusStopped
	s.signal()
	return true
}

// Finish is the finalization step: it stamps finishedAt and, unless a stop
// already claimed the run, marks it done at 100%. It returns the final status.
func (s *StatsStore) Finish(now time.Time) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.stats.Status {
	case StatusRunning:
		s.stats.Status = StatusDone
		s.stats.PercentComplete = 100
	case StatusStopped:
	default:
		return s.stats.Status
	}
	finished := now
	s.stats.FinishedAt = &finished
	s.signal()
	return s.stats.Status
}

// Reset clears every telemetry field and returns to idle. The target paths
// are kept so polling keeps reporting the configured local inventory.
func (s *StatsStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = TransferStats{
		Status:     StatusIdle,
		RemotePath: s.stats.RemotePath,
		LocalPath:  s.stats.LocalPath,
		Files:      []RemoteFile{},
	}
	s.signal()
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
