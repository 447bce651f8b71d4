package store

import "time"

// TransferRun records one supervised rclone copy
type TransferRun struct {
	ID                 string // uuid assigned at transfer start
	RemotePath         string
	LocalPath          string
	Status             string // "running", "done", "stopped"
	StartTime          time.Time
	EndTime            time.Time // zero while running
	RemoteFileCount    int64
	RemoteTotalBytes   int64
	LocalFileCount     int64
	LocalTotalBytes    int64
	TransferredBytes   int64
	Percent            int
	ThroughputBytesSec float64 // last reported speed
	Elapsed            string
	ErrorMessage       string
}

// RunFile is one entry of the remote listing captured when a run started
type RunFile struct {
	ID    int64
	RunID string
	Path  string
	Size  int64
}
