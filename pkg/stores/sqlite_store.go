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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/identity"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

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

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
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

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)"
	}

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

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// ---- engine.TaskRecorder ----

// RecordTask stores a task once; recording it again is a no-op.
func (s *SQLiteStore) RecordTask(ctx context.Context, task *engine.PropagationTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	query := `
		INSERT INTO tasks (id, resource, connector_key, any_type, entity_key, operation, conn_object_key, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID(),
		task.Resource(),
		task.ConnectorKey(),
		task.AnyType(),
		task.EntityKey(),
		string(task.Operation()),
		task.ConnObjectKey(),
		string(payload),
		nanos(task.CreatedAt()),
	)
	if err != nil {
		return fmt.Errorf("failed to record task: %w", err)
	}
	return nil
}

// RecordExecution stores one attempt of a task. An execution ID recorded
// twice keeps the latest values.
func (s *SQLiteStore) RecordExecution(ctx context.Context, exec engine.TaskExecution, status engine.PropagationStatus) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	before, err := marshalNullable(objectOrNil(status.BeforeObject))
	if err != nil {
		return fmt.Errorf("failed to encode before object: %w", err)
	}
	after, err := marshalNullable(objectOrNil(status.AfterObject))
	if err != nil {
		return fmt.Errorf("failed to encode after object: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO executions (id, task_id, attempt, status, message, failure_kind, before_object, after_object, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		exec.ID,
		exec.TaskID,
		exec.Attempt,
		string(exec.Status),
		exec.Message,
		string(status.FailureKind),
		before,
		after,
		nanos(exec.Start),
		nanos(exec.End),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

func objectOrNil(o *engine.ConnectorObject) interface{} {
	if o == nil {
		return nil
	}
	return o
}

// ListTasks returns recorded tasks, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query := `
		SELECT id, resource, connector_key, any_type, entity_key, operation, conn_object_key, created_at
		FROM tasks
		WHERE (? = '' OR resource = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, filter.Resource, filter.Resource, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		t := &TaskRecord{}
		var op string
		var created int64
		if err := rows.Scan(&t.ID, &t.Resource, &t.ConnectorKey, &t.AnyType, &t.EntityKey, &op, &t.ConnObjectKey, &created); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Operation = engine.ResourceOperation(op)
		t.CreatedAt = fromNanos(created)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetTask decodes the stored payload of a task.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*engine.PropagationTask, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM tasks WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, engine.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	task := &engine.PropagationTask{}
	if err := json.Unmarshal([]byte(payload), task); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", id, err)
	}
	return task, nil
}

// ListExecutions returns the attempts of a task in order.
func (s *SQLiteStore) ListExecutions(ctx context.Context, taskID string) ([]*ExecutionRecord, error) {
	query := `
		SELECT id, task_id, attempt, status, message, failure_kind, before_object, after_object, started_at, ended_at
		FROM executions
		WHERE task_id = ?
		ORDER BY attempt, started_at
	`
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		e := &ExecutionRecord{}
		var status, kind string
		var before, after sql.NullString
		var start, end int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Attempt, &status, &e.Message, &kind, &before, &after, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Status = engine.ExecStatus(status)
		e.FailureKind = engine.ErrorKind(kind)
		e.Start = fromNanos(start)
		e.End = fromNanos(end)
		if before.Valid {
			e.BeforeObject = &engine.ConnectorObject{}
			if err := json.Unmarshal([]byte(before.String), e.BeforeObject); err != nil {
				return nil, fmt.Errorf("failed to decode before object: %w", err)
			}
		}
		if after.Valid {
			e.AfterObject = &engine.ConnectorObject{}
			if err := json.Unmarshal([]byte(after.String), e.AfterObject); err != nil {
				return nil, fmt.Errorf("failed to decode after object: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- engine.TaskQueue ----

// Enqueue implements engine.TaskQueue.
func (s *SQLiteStore) Enqueue(ctx context.Context, task *engine.PropagationTask, attempts int, notBefore time.Time) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	query := `INSERT INTO queue (task_id, payload, attempts, not_before) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, task.ID(), string(payload), attempts, nanos(notBefore)); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Due implements engine.TaskQueue. Returned entries leave the queue.
func (s *SQLiteStore) Due(ctx context.Context, now time.Time, limit int) ([]engine.QueuedTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT seq, payload, attempts, not_before
		FROM queue
		WHERE not_before <= ?
		ORDER BY not_before, seq
		LIMIT ?
	`
	rows, err := tx.QueryContext(ctx, query, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	var (
		due  []engine.QueuedTask
		seqs []int64
	)
	for rows.Next() {
		var seq, notBefore int64
		var payload string
		var attempts int
		if err := rows.Scan(&seq, &payload, &attempts, &notBefore); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		task := &engine.PropagationTask{}
		if err := json.Unmarshal([]byte(payload), task); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode queued task: %w", err)
		}
		due = append(due, engine.QueuedTask{Task: task, Attempts: attempts, NotBefore: fromNanos(notBefore)})
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?`, seq); err != nil {
			return nil, fmt.Errorf("failed to dequeue task: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}
	return due, nil
}

// Len implements engine.TaskQueue.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// ---- engine.SyncTokenStore ----

// SyncToken returns the stored token, or "" when none was stored.
func (s *SQLiteStore) SyncToken(ctx context.Context, resource, objectClass string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM sync_tokens WHERE resource = ? AND object_class = ?`,
		resource, objectClass,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get sync token: %w", err)
	}
	return token, nil
}

// SetSyncToken implements engine.SyncTokenStore.
func (s *SQLiteStore) SetSyncToken(ctx context.Context, resource, objectClass, token string) error {
	query := `
		INSERT INTO sync_tokens (resource, object_class, token, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource, object_class) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, resource, objectClass, token, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to set sync token: %w", err)
	}
	return nil
}

// ---- engine.IdentityStore ----

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentity(row rowScanner) (*engine.Identity, error) {
	id := &engine.Identity{}
	var attrs, resources, assigned string
	if err := row.Scan(&id.AnyType, &id.Key, &attrs, &resources, &assigned); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &id.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of %s: %w", id.Key, err)
	}
	if err := json.Unmarshal([]byte(resources), &id.Resources); err != nil {
		return nil, fmt.Errorf("failed to decode resources of %s: %w", id.Key, err)
	}
	if err := json.Unmarshal([]byte(assigned), &id.Assigned); err != nil {
		return nil, fmt.Errorf("failed to decode assignments of %s: %w", id.Key, err)
	}
	if id.Attributes == nil {
		id.Attributes = engine.Attributes{}
	}
	return id, nil
}

const identityColumns = `any_type, key, attributes, resources, assigned`

// FindByKey implements engine.IdentityStore.
func (s *SQLiteStore) FindByKey(ctx context.Context, anyType, key string) (*engine.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE any_type = ? AND key = ?`, anyType, key)
	id, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", anyType, key, engine.ErrObjectNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return id, nil
}

// FindByCorrelation scans the identities of anyType. Attribute values live
// in a JSON column, so matching happens after decoding.
func (s *SQLiteStore) FindByCorrelation(ctx context.Context, anyType string, attrs map[string]interface{}) ([]*engine.Identity, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE any_type = ? ORDER BY key`, anyType)
	if err != nil {
		return nil, fmt.Errorf("failed to scan identities: %w", err)
	}
	defer rows.Close()

	var out []*engine.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		if identity.Matches(id, attrs) {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

// Save implements engine.IdentityStore.
func (s *SQLiteStore) Save(ctx context.Context, delta engine.IdentityDelta) (*engine.Identity, error) {
	if delta.AnyType == "" {
		return nil, fmt.Errorf("identity delta has no any-type")
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := delta.Key
	if delta.Create && key == "" {
		key = uuid.New().String()
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE any_type = ? AND key = ?`, delta.AnyType, key)
	id, err := scanIdentity(row)
	switch {
	case err == sql.ErrNoRows:
		if !delta.Create {
			return nil, fmt.Errorf("%s %s: %w", delta.AnyType, key, engine.ErrObjectNotFound)
		}
		id = &engine.Identity{Key: key, AnyType: delta.AnyType, Attributes: engine.Attributes{}}
	case err != nil:
		return nil, fmt.Errorf("failed to get identity: %w", err)
	case delta.Create:
		return nil, fmt.Errorf("%s %s: %w", delta.AnyType, key, engine.ErrAlreadyExists)
	}

	identity.Apply(id, delta)

	attrs, err := json.Marshal(id.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	resources, _ := json.Marshal(nonNil(id.Resources))
	assigned, _ := json.Marshal(nonNil(id.Assigned))
	now := time.Now().UnixNano()

	query := `
		INSERT INTO identities (any_type, key, attributes, resources, assigned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(any_type, key) DO UPDATE SET
			attributes = excluded.attributes,
			resources = excluded.resources,
			assigned = excluded.assigned,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, query, id.AnyType, id.Key, string(attrs), string(resources), string(assigned), now, now); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit identity: %w", err)
	}
	return id, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// Delete implements engine.IdentityStore.
func (s *SQLiteStore) Delete(ctx context.Context, anyType, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE any_type = ? AND key = ?`, anyType, key)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", anyType, key, engine.ErrObjectNotFound)
	}
	return nil
}

// List implements engine.IdentityStore, ordered by key.
func (s *SQLiteStore) List(ctx context.Context, anyType, cursor string, size int) ([]*engine.Identity, string, error) {
	if size <= 0 {
		size = engine.DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE any_type = ? AND key > ? ORDER BY key LIMIT ?`,
		anyType, cursor, size+1)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var out []*engine.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan identity: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > size {
		out = out[:size]
		next = out[size-1].Key
	}
	return out, next, nil
}

// ---- runs and reports ----

// RecordRun inserts a run or updates its summary.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	var completed interface{}
	if run.CompletedAt != nil {
		completed = run.CompletedAt.UnixNano()
	}

	query := `
		INSERT INTO runs (id, profile, direction, resource, dry_run, status, reports, failures, pages, sync_token, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reports = excluded.reports,
			failures = excluded.failures,
			pages = excluded.pages,
			sync_token = excluded.sync_token,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Profile,
		run.Direction,
		run.Resource,
		run.DryRun,
		string(run.Status),
		run.Reports,
		run.Failures,
		run.Pages,
		run.SyncToken,
		run.Error,
		nanos(run.StartedAt),
		completed,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

const runColumns = `id, profile, direction, resource, dry_run, status, reports, failures, pages, sync_token, error, started_at, completed_at`

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var status string
	var started int64
	var completed sql.NullInt64
	var errMsg sql.NullString
	err := row.Scan(
		&run.ID,
		&run.Profile,
		&run.Direction,
		&run.Resource,
		&run.DryRun,
		&status,
		&run.Reports,
		&run.Failures,
		&run.Pages,
		&run.SyncToken,
		&errMsg,
		&started,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.StartedAt = fromNanos(started)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordReports implements engine.ReportRecorder. A page of reports is
// written in one transaction.
func (s *SQLiteStore) RecordReports(ctx context.Context, runID string, reports []engine.ProvisioningReport) error {
	if len(reports) == 0 {
		return nil
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reports (run_id, resource, status, operation, any_type, entity_key, uid_value, message, state, rule, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare report insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, r := range reports {
		_, err := stmt.ExecContext(ctx,
			runID,
			r.Resource,
			string(r.Status),
			string(r.Operation),
			r.AnyType,
			r.Key,
			r.UidValue,
			r.Message,
			string(r.State),
			r.Rule,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to record report: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reports: %w", err)
	}
	return nil
}

// ListReports returns the reports of a run in recording order.
func (s *SQLiteStore) ListReports(ctx context.Context, runID string) ([]engine.ProvisioningReport, error) {
	query := `
		SELECT resource, status, operation, any_type, entity_key, uid_value, message, state, rule
		FROM reports
		WHERE run_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []engine.ProvisioningReport
	for rows.Next() {
		var r engine.ProvisioningReport
		var status, op, state string
		if err := rows.Scan(&r.Resource, &status, &op, &r.AnyType, &r.Key, &r.UidValue, &r.Message, &state, &r.Rule); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		r.Status = engine.ReportStatus(status)
		r.Operation = engine.ResourceOperation(op)
		r.State = engine.ReconcileState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}
