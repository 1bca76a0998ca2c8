package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run history. Nothing in it is consulted when
// deciding what to sync.
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
	// A single connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// SyncRun Operations
// ============================================================================

const syncRunColumns = `
	id, run_id, target, start_time, end_time, dry_run, files_copied,
	files_compressed, files_current, files_pruned, files_failed, conflicts,
	missing_folders, bytes_read, bytes_written, status, error_message
`

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncRun(row scanner, run *SyncRun) error {
	return row.Scan(
		&run.ID, &run.RunID, &run.Target, &run.StartTime, &run.EndTime, &run.DryRun,
		&run.FilesCopied, &run.FilesCompressed, &run.FilesCurrent, &run.FilesPruned,
		&run.FilesFailed, &run.Conflicts, &run.MissingFolders, &run.BytesRead,
		&run.BytesWritten, &run.Status, &run.ErrorMessage,
	)
}

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			run_id, target, start_time, end_time, dry_run, files_copied,
			files_compressed, files_current, files_pruned, files_failed, conflicts,
			missing_folders, bytes_read, bytes_written, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.RunID, run.Target, run.StartTime, run.EndTime, run.DryRun,
		run.FilesCopied, run.FilesCompressed, run.FilesCurrent, run.FilesPruned,
		run.FilesFailed, run.Conflicts, run.MissingFolders, run.BytesRead,
		run.BytesWritten, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateSyncRun updates an existing SyncRun by ID
func (s *Store) UpdateSyncRun(run *SyncRun) error {
	const query = `
		UPDATE sync_runs SET
			run_id = ?, target = ?, start_time = ?, end_time = ?, dry_run = ?,
			files_copied = ?, files_compressed = ?, files_current = ?,
			files_pruned = ?, files_failed = ?, conflicts = ?, missing_folders = ?,
			bytes_read = ?, bytes_written = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.RunID, run.Target, run.StartTime, run.EndTime, run.DryRun,
		run.FilesCopied, run.FilesCompressed, run.FilesCurrent, run.FilesPruned,
		run.FilesFailed, run.Conflicts, run.MissingFolders, run.BytesRead,
		run.BytesWritten, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("sync run not found: %d", run.ID)
	}

	return nil
}

// GetSyncRun retrieves a SyncRun by ID
func (s *Store) GetSyncRun(id int64) (*SyncRun, error) {
	query := "SELECT " + syncRunColumns + " FROM sync_runs WHERE id = ?"

	run := &SyncRun{}
	if err := scanSyncRun(s.db.QueryRow(query, id), run); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sync run not found: %d", id)
		}
		return nil, fmt.Errorf("failed to query sync run: %w", err)
	}

	return run, nil
}

// ListSyncRuns retrieves SyncRuns newest first, optionally filtered by target
func (s *Store) ListSyncRuns(target string, limit int) ([]SyncRun, error) {
	query := "SELECT " + syncRunColumns + " FROM sync_runs"
	var args []interface{}

	if target != "" {
		query += " WHERE target = ?"
		args = append(args, target)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		run := SyncRun{}
		if err := scanSyncRun(rows, &run); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// ConflictRecord Operations
// ============================================================================

// AddConflict inserts a ConflictRecord and sets its ID
func (s *Store) AddConflict(rec *ConflictRecord) error {
	const query = `
		INSERT INTO conflicts (
			sync_run_id, target, rule, identity, server_a, path_a, digest_a,
			server_b, path_b, digest_b, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		rec.SyncRunID, rec.Target, rec.Rule, rec.Identity, rec.ServerA, rec.PathA,
		rec.DigestA, rec.ServerB, rec.PathB, rec.DigestB, rec.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListConflicts retrieves conflicts newest first, optionally filtered by target
func (s *Store) ListConflicts(target string, limit int) ([]ConflictRecord, error) {
	query := `
		SELECT id, sync_run_id, target, rule, identity, server_a, path_a, digest_a,
		       server_b, path_b, digest_b, detected_at
		FROM conflicts
	`
	var args []interface{}

	if target != "" {
		query += " WHERE target = ?"
		args = append(args, target)
	}

	query += " ORDER BY detected_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var records []ConflictRecord
	for rows.Next() {
		rec := ConflictRecord{}
		err := rows.Scan(
			&rec.ID, &rec.SyncRunID, &rec.Target, &rec.Rule, &rec.Identity,
			&rec.ServerA, &rec.PathA, &rec.DigestA, &rec.ServerB, &rec.PathB,
			&rec.DigestB, &rec.DetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return records, nil
}

// ============================================================================
// FailedFileRecord Operations (Dead Letter Queue)
// ============================================================================

// AddFailedFile records a failure. An unresolved record for the same
// target and path is updated and its retry count incremented.
func (s *Store) AddFailedFile(rec *FailedFileRecord) error {
	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = rec.LastFailure
	}
	if rec.LastFailure.IsZero() {
		rec.LastFailure = rec.FirstFailure
	}

	const upsertQuery = `
		UPDATE failed_files
		SET error = ?, retry_count = retry_count + 1, last_failure = ?, sync_run_id = ?
		WHERE target = ? AND path = ? AND resolved = 0
	`

	result, err := s.db.Exec(
		upsertQuery,
		rec.Error, rec.LastFailure, rec.SyncRunID,
		rec.Target, rec.Path,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed file record: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil // existing record updated
	}

	const insertQuery = `
		INSERT INTO failed_files (
			sync_run_id, target, path, error, retry_count, first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err = s.db.Exec(
		insertQuery,
		rec.SyncRunID, rec.Target, rec.Path, rec.Error, rec.RetryCount,
		rec.FirstFailure, rec.LastFailure, rec.Resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed file record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListFailedFiles retrieves unresolved FailedFileRecords, optionally filtered by target
func (s *Store) ListFailedFiles(target string) ([]FailedFileRecord, error) {
	query := `
		SELECT id, COALESCE(sync_run_id, 0), target, path, COALESCE(error, ''), retry_count,
		       first_failure, last_failure, resolved
		FROM failed_files WHERE resolved = 0
	`
	var args []interface{}
	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}
	query += " ORDER BY last_failure DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed files: %w", err)
	}
	defer rows.Close()

	var records []FailedFileRecord
	for rows.Next() {
		rec := FailedFileRecord{}
		err := rows.Scan(
			&rec.ID, &rec.SyncRunID, &rec.Target, &rec.Path, &rec.Error,
			&rec.RetryCount, &rec.FirstFailure, &rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed file record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed file records: %w", err)
	}

	return records, nil
}

// ResolveFailedFiles marks every unresolved record of a target as resolved
// and returns how many were updated.
func (s *Store) ResolveFailedFiles(target string) (int64, error) {
	const query = "UPDATE failed_files SET resolved = 1 WHERE target = ? AND resolved = 0"

	result, err := s.db.Exec(query, target)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve failed files: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
