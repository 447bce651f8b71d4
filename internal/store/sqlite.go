package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per-connection
	db.SetMaxOpenConns(1)

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// nullTime maps the zero time to NULL
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// ============================================================================
// TransferRun Operations
// ============================================================================

const transferRunColumns = `
	id, remote_path, local_path, status, start_time, end_time,
	remote_file_count, remote_total_bytes, local_file_count, local_total_bytes,
	transferred_bytes, percent, throughput, elapsed, error_message
`

// CreateTransferRun inserts a new TransferRun. The caller assigns the ID.
func (s *Store) CreateTransferRun(run *TransferRun) error {
	if run.ID == "" {
		return fmt.Errorf("transfer run id is required")
	}

	query := `INSERT INTO transfer_runs (` + transferRunColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(
		query,
		run.ID, run.RemotePath, run.LocalPath, run.Status, run.StartTime, nullTime(run.EndTime),
		run.RemoteFileCount, run.RemoteTotalBytes, run.LocalFileCount, run.LocalTotalBytes,
		run.TransferredBytes, run.Percent, run.ThroughputBytesSec, run.Elapsed, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer run: %w", err)
	}
	return nil
}

// UpdateTransferRun updates an existing TransferRun by ID
func (s *Store) UpdateTransferRun(run *TransferRun) error {
	const query = `
		UPDATE transfer_runs SET
			remote_path = ?, local_path = ?, status = ?, start_time = ?, end_time = ?,
			remote_file_count = ?, remote_total_bytes = ?, local_file_count = ?,
			local_total_bytes = ?, transferred_bytes = ?, percent = ?, throughput = ?,
			elapsed = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.RemotePath, run.LocalPath, run.Status, run.StartTime, nullTime(run.EndTime),
		run.RemoteFileCount, run.RemoteTotalBytes, run.LocalFileCount,
		run.LocalTotalBytes, run.TransferredBytes, run.Percent, run.ThroughputBytesSec,
		run.Elapsed, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("transfer run not found: %s", run.ID)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransferRun(row rowScanner) (*TransferRun, error) {
	run := &TransferRun{}
	var end sql.NullTime
	err := row.Scan(
		&run.ID, &run.RemotePath, &run.LocalPath, &run.Status, &run.StartTime, &end,
		&run.RemoteFileCount, &run.RemoteTotalBytes, &run.LocalFileCount, &run.LocalTotalBytes,
		&run.TransferredBytes, &run.Percent, &run.ThroughputBytesSec, &run.Elapsed, &run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if end.Valid {
		run.EndTime = end.Time
	}
	return run, nil
}

// GetTransferRun retrieves a TransferRun by ID
func (s *Store) GetTransferRun(id string) (*TransferRun, error) {
	query := `SELECT ` + transferRunColumns + ` FROM transfer_runs WHERE id = ?`

	run, err := scanTransferRun(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("transfer run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to query transfer run: %w", err)
	}
	return run, nil
}

// ListTransferRuns retrieves the most recent TransferRuns first
func (s *Store) ListTransferRuns(limit int) ([]TransferRun, error) {
	query := `SELECT ` + transferRunColumns + ` FROM transfer_runs ORDER BY start_time DESC`
	var args []interface{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer runs: %w", err)
	}
	defer rows.Close()

	var runs []TransferRun
	for rows.Next() {
		run, err := scanTransferRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer runs: %w", err)
	}

	return runs, nil
}

// MarkInterruptedRuns closes out runs left "running" by a previous process
// that exited without finalizing them. It returns how many were updated.
func (s *Store) MarkInterruptedRuns(now time.Time) (int64, error) {
	const query = `
		UPDATE transfer_runs SET status = 'stopped', end_time = ?,
			error_message = 'interrupted: process exited during transfer'
		WHERE status = 'running'
	`

	result, err := s.db.Exec(query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// PruneTransferRuns deletes all but the newest keep runs and their files.
func (s *Store) PruneTransferRuns(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM transfer_runs ORDER BY start_time DESC LIMIT -1 OFFSET ?`
	if _, err := tx.Exec(`DELETE FROM run_files WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("failed to prune run files: %w", err)
	}
	result, err := tx.Exec(`DELETE FROM transfer_runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transfer runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

// ============================================================================
// RunFile Operations
// ============================================================================

// AddRunFiles stores the remote listing captured for a run in one transaction
func (s *Store) AddRunFiles(runID string, files []RunFile) error {
	if len(files) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO run_files (run_id, path, size) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare run file insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.Exec(runID, f.Path, f.Size); err != nil {
			return fmt.Errorf("failed to insert run file %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run files: %w", err)
	}
	return nil
}

// ListRunFiles retrieves the remote listing of a run ordered by path
func (s *Store) ListRunFiles(runID string) ([]RunFile, error) {
	const query = `
		SELECT id, run_id, path, size FROM run_files
		WHERE run_id = ? ORDER BY path
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run files: %w", err)
	}
	defer rows.Close()

	var files []RunFile
	for rows.Next() {
		f := RunFile{}
		if err := rows.Scan(&f.ID, &f.RunID, &f.Path, &f.Size); err != nil {
			return nil, fmt.Errorf("failed to scan run file: %w", err)
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run files: %w", err)
	}

	return files, nil
}
