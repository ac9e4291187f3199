package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/hubctl/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore records operation history in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ engine.HistoryRecorder = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// m.Close would close the shared *sql.DB, so it is not called.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordAttempt stores one attempt, creating the operation row on the
// first attempt. Re-recording the same attempt number overwrites it.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, req engine.OperationRequest, outcome engine.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	state := engine.StateAttempting
	if !outcome.Succeeded() {
		state = engine.StateRetrying
	}

	if err := upsertOperation(ctx, tx, req, state, now); err != nil {
		return err
	}

	var class, message, result *string
	if !outcome.Succeeded() {
		c := string(outcome.Class)
		class = &c
		message = &outcome.Message
	}
	if len(outcome.Result) > 0 {
		r := string(outcome.Result)
		result = &r
	}

	at := outcome.At
	if at.IsZero() {
		at = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (operation_id, attempt, kind, class, message, result, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_id, attempt) DO UPDATE SET
			kind = excluded.kind,
			class = excluded.class,
			message = excluded.message,
			result = excluded.result,
			at = excluded.at
	`, req.ID, outcome.Attempt, outcome.Kind, class, message, result, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE operations
		SET attempts = MAX(attempts, ?), last_class = ?, last_message = ?, updated_at = ?
		WHERE id = ?
	`, outcome.Attempt, class, message, now, req.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attempt: %w", err)
	}
	return nil
}

// RecordResult stores the terminal state of an operation and its report.
func (s *SQLiteStore) RecordResult(ctx context.Context, result *engine.Result) error {
	if result == nil {
		return fmt.Errorf("result is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if err := upsertOperation(ctx, tx, result.Request, result.State, now); err != nil {
		return err
	}

	var report, recommendation *string
	if result.Report != nil {
		data, err := json.Marshal(result.Report)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		r := string(data)
		report = &r
		if result.Report.Recommendation != "" {
			recommendation = &result.Report.Recommendation
		}
	}

	var lastClass, lastMessage *string
	if last, ok := result.LastOutcome(); ok && !last.Succeeded() {
		c := string(last.Class)
		lastClass = &c
		lastMessage = &last.Message
	}

	var completedAt *time.Time
	if !result.CompletedAt.IsZero() {
		c := result.CompletedAt.UTC()
		completedAt = &c
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE operations
		SET state = ?, attempts = ?, last_class = ?, last_message = ?, waited_ms = ?,
			report = ?, recommendation = ?, started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		result.State,
		result.Attempts,
		lastClass,
		lastMessage,
		result.Waited.Milliseconds(),
		report,
		recommendation,
		startedAt(result.StartedAt, now),
		completedAt,
		now,
		result.Request.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	return nil
}

func startedAt(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.UTC()
}

// upsertOperation creates the operation row or moves it to state.
func upsertOperation(ctx context.Context, tx *sql.Tx, req engine.OperationRequest, state engine.State, now time.Time) error {
	roles, err := json.Marshal(req.RequiredRoles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}
	if req.RequiredRoles == nil {
		roles = []byte("[]")
	}

	payload := string(req.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operations (id, target_id, target_scope, principal_id, principal_kind,
			required_roles, payload, state, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`,
		req.ID,
		req.Target.ID,
		req.Target.Scope,
		req.Principal.ID,
		req.Principal.Kind,
		string(roles),
		payload,
		state,
		startedAt(req.CreatedAt, now),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert operation: %w", err)
	}
	return nil
}

const operationColumns = `id, target_id, target_scope, principal_id, principal_kind, required_roles,
	payload, state, attempts, last_class, last_message, waited_ms, report, recommendation,
	started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	op := &Operation{}
	var roles string
	var waitedMs int64

	err := row.Scan(
		&op.ID,
		&op.TargetID,
		&op.TargetScope,
		&op.PrincipalID,
		&op.PrincipalKind,
		&roles,
		&op.Payload,
		&op.State,
		&op.Attempts,
		&op.LastClass,
		&op.LastMessage,
		&waitedMs,
		&op.Report,
		&op.Recommendation,
		&op.StartedAt,
		&op.CompletedAt,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(roles), &op.RequiredRoles); err != nil {
		return nil, fmt.Errorf("failed to decode roles: %w", err)
	}
	op.Waited = time.Duration(waitedMs) * time.Millisecond
	return op, nil
}

// GetOperation retrieves an operation by ID
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)

	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

// ListOperations lists operations, newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var since *time.Time
	if filter.Since != nil {
		t := filter.Since.UTC()
		since = &t
	}

	query := `SELECT ` + operationColumns + `
		FROM operations
		WHERE (? IS NULL OR target_id = ?)
		  AND (? IS NULL OR state = ?)
		  AND (? IS NULL OR started_at >= ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.TargetID, filter.TargetID,
		filter.State, filter.State,
		since, since,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

// ListAttempts returns the attempts of an operation in attempt order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, operationID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, attempt, kind, class, message, result, at
		FROM attempts
		WHERE operation_id = ?
		ORDER BY attempt
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*Attempt{}
	for rows.Next() {
		a := &Attempt{}
		err := rows.Scan(
			&a.ID,
			&a.OperationID,
			&a.Attempt,
			&a.Kind,
			&a.Class,
			&a.Message,
			&a.Result,
			&a.At,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}

// DeleteOperationsBefore removes operations started before t, with their
// attempts and events. It returns the number of operations removed.
func (s *SQLiteStore) DeleteOperationsBefore(ctx context.Context, t time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := t.UTC()
	_, err = tx.ExecContext(ctx, `
		DELETE FROM events
		WHERE operation_id IN (SELECT id FROM operations WHERE started_at < ?)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete operations: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return n, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (operation_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		event.OperationID,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination, oldest
// first.
func (s *SQLiteStore) GetEvents(ctx context.Context, operationID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR operation_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp, id
		LIMIT ? OFFSET ?
	`, operationID, operationID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.OperationID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck performs a health check on the database
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func decodeReport(data string) (*engine.DiagnosticReport, error) {
	var report engine.DiagnosticReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}
