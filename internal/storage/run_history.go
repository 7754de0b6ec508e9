// Package storage persists per-execution audit records for scheduled
// tasks. It stores run outcomes only; schedules themselves live in
// memory and are not persisted.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hotelbuddy-online/fastmcp-server-generator/internal/model"
)

// RunRecord is one task execution: stored as running when the handler
// starts, updated with the outcome when it finishes.
type RunRecord struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	Status      model.TaskStatus `json:"status"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
}

// RunHistoryStore defines the interface for run history storage
type RunHistoryStore interface {
	// Store stores a new run record
	Store(ctx context.Context, record *RunRecord) error

	// Update updates an existing run record with its outcome
	Update(ctx context.Context, record *RunRecord) error

	// Get retrieves a run record by ID
	Get(ctx context.Context, id string) (*RunRecord, error)

	// List retrieves run records for a task (all tasks when taskID is
	// empty), newest first, with pagination
	List(ctx context.Context, taskID string, offset, limit int) ([]*RunRecord, error)

	// Count returns the number of records for a task (all tasks when
	// taskID is empty)
	Count(ctx context.Context, taskID string) (int, error)

	// DeleteBefore deletes records that started before the given time
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store
	Close() error
}

// SQLiteRunHistory implements RunHistoryStore using SQLite
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunHistory opens (or creates) a SQLite-backed run history at
// dbPath.
func NewSQLiteRunHistory(logger *zap.Logger, dbPath string) (*SQLiteRunHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteRunHistory{
		logger: logger.Named("run-history"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteRunHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_task_id ON run_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_run_history_started_at ON run_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements RunHistoryStore.Store
func (s *SQLiteRunHistory) Store(ctx context.Context, record *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history (
			id, task_id, status, started_at
		) VALUES (?, ?, ?, ?)`,
		record.ID,
		record.TaskID,
		record.Status,
		record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store run record: %w", err)
	}
	return nil
}

// Update implements RunHistoryStore.Update
func (s *SQLiteRunHistory) Update(ctx context.Context, record *RunRecord) error {
	var resultStr string
	if len(record.Result) > 0 {
		resultStr = string(record.Result)
	}

	var completedAt sql.NullTime
	if record.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *record.CompletedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE run_history SET
			status = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		record.Status,
		sql.NullString{String: resultStr, Valid: resultStr != ""},
		sql.NullString{String: record.Error, Valid: record.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(record.Duration), Valid: record.Duration != 0},
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	return nil
}

// Get implements RunHistoryStore.Get
func (s *SQLiteRunHistory) Get(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, status, result, error, started_at, completed_at, duration
		FROM run_history
		WHERE id = ?`, id)

	record, err := scanRunRecord(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run record: %w", err)
	}
	return record, nil
}

// List implements RunHistoryStore.List
func (s *SQLiteRunHistory) List(ctx context.Context, taskID string, offset, limit int) ([]*RunRecord, error) {
	query := "SELECT id, task_id, status, result, error, started_at, completed_at, duration FROM run_history"
	args := make([]interface{}, 0, 3)

	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run records: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		record, err := scanRunRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// Count implements RunHistoryStore.Count
func (s *SQLiteRunHistory) Count(ctx context.Context, taskID string) (int, error) {
	query := "SELECT COUNT(*) FROM run_history"
	args := make([]interface{}, 0, 1)
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count run records: %w", err)
	}
	return count, nil
}

// DeleteBefore implements RunHistoryStore.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM run_history WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete run records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Pruned run history",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

// Close closes the database connection
func (s *SQLiteRunHistory) Close() error {
	return s.db.Close()
}

func scanRunRecord(scan func(...interface{}) error) (*RunRecord, error) {
	var record RunRecord
	var result, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := scan(
		&record.ID,
		&record.TaskID,
		&record.Status,
		&result,
		&errorStr,
		&record.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid && result.String != "" {
		record.Result = json.RawMessage(result.String)
	}
	if errorStr.Valid {
		record.Error = errorStr.String
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		record.Duration = time.Duration(durationNanos.Int64)
	}
	return &record, nil
}
