package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned (wrapped) when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for one project
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

	// A single connection keeps ":memory:" databases shared and serializes writers.
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

	logger.Debug("store initialized", "path", dbPath)
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

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			project, kind, start_time, end_time, succeeded, failed, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.Project, run.Kind, run.StartTime, nullTime(run.EndTime),
		run.Succeeded, run.Failed, run.Status, run.ErrorMessage,
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
			project = ?, kind = ?, start_time = ?, end_time = ?,
			succeeded = ?, failed = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Project, run.Kind, run.StartTime, nullTime(run.EndTime),
		run.Succeeded, run.Failed, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("sync run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

// ListSyncRuns retrieves SyncRuns, optionally filtered by kind, newest first
func (s *Store) ListSyncRuns(kind string, limit int) ([]SyncRun, error) {
	query := `
		SELECT id, project, kind, start_time, end_time, succeeded, failed, status, error_message
		FROM sync_runs
	`
	var args []interface{}

	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
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
		var endTime sql.NullTime
		err := rows.Scan(
			&run.ID, &run.Project, &run.Kind, &run.StartTime, &endTime,
			&run.Succeeded, &run.Failed, &run.Status, &run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		if endTime.Valid {
			run.EndTime = endTime.Time
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// Meta Operations
// ============================================================================

const installIDKey = "install_id"

// InstallID returns the persisted install identifier, creating it on first use.
// It is sent to servers as the deviceID of submissions.
func (s *Store) InstallID() (string, error) {
	var id string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", installIDKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to query install id: %w", err)
	}

	id = "collect:" + uuid.NewString()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", installIDKey, id); err != nil {
		return "", fmt.Errorf("failed to store install id: %w", err)
	}

	// Re-read in case a concurrent writer won the insert
	if err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", installIDKey).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to query install id: %w", err)
	}
	return id, nil
}

// nullTime maps the zero time to NULL
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
