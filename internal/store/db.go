// Package store persists run metadata: runs, their errors, logs, stage
// progress, landing batches, transform outcomes and per-source cursors.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"movie-pipeline/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Store is the sqlite-backed run store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// migrations. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = ":memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one connection: sqlite serialises writers and :memory: is per-connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck,gosec // ping error takes precedence
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close() //nolint:errcheck,gosec // migrate error takes precedence
		return nil, err
	}
	return s, nil
}

// Migrate runs all pending migrations.
func (s *Store) Migrate() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Version returns the applied migration version.
func (s *Store) Version() (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("set dialect: %w", err)
	}
	return goose.GetDBVersion(s.db)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Runs ---

// Run is one pipeline execution.
type Run struct {
	Seq       int64                 `json:"seq"`
	ID        string                `json:"id"`
	Spec      model.PipelineJobSpec `json:"spec"`
	Status    string                `json:"status"`
	Error     string                `json:"error,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
	UpdatedAt time.Time             `json:"updatedAt"`
	StartedAt *time.Time            `json:"startedAt,omitempty"`
	EndedAt   *time.Time            `json:"endedAt,omitempty"`
}

// CreateRun stores a new pending run and assigns its sequence number.
func (s *Store) CreateRun(ctx context.Context, spec model.PipelineJobSpec) (*Run, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &Run{ID: uuid.New().String(), Spec: spec, Status: model.RunPending, CreatedAt: now, UpdatedAt: now}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, spec, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(specJSON), run.Status, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if run.Seq, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return run, nil
}

const runColumns = `seq, id, spec, status, error, created_at, updated_at, started_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r        Run
		spec     string
		errMsg   sql.NullString
		started  sql.NullTime
		finished sql.NullTime
	)
	if err := row.Scan(&r.Seq, &r.ID, &spec, &r.Status, &errMsg, &r.CreatedAt, &r.UpdatedAt, &started, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spec), &r.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of run %s: %w", r.ID, err)
	}
	r.Error = errMsg.String
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if finished.Valid {
		r.EndedAt = &finished.Time
	}
	return &r, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a run to status. Terminal statuses set ended_at,
// the first non-pending status sets started_at.
func (s *Store) UpdateRunStatus(ctx context.Context, id, status string, runErr error) error {
	now := time.Now().UTC()
	var errMsg any
	if runErr != nil {
		errMsg = runErr.Error()
	}

	var ended any
	switch status {
	case model.RunCompleted, model.RunFailed, model.RunCancelled:
		ended = now
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			updated_at = ?,
			error = COALESCE(?, error),
			started_at = CASE WHEN started_at IS NULL AND ? != 'pending' THEN ? ELSE started_at END,
			ended_at = COALESCE(?, ended_at)
		WHERE id = ?`,
		status, now, errMsg, status, now, ended, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ResetRun puts a finished run back to pending for a retry.
func (s *Store) ResetRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = NULL, ended_at = NULL, updated_at = ? WHERE id = ?`,
		model.RunPending, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// --- Errors and logs ---

// SaveRunError records an error for a run
func (s *Store) SaveRunError(ctx context.Context, runID string, detail model.ErrorDetail) error {
	if detail.Timestamp.IsZero() {
		detail.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_errors (run_id, stage, source, error_type, error_message, retryable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, detail.Stage, detail.Source, detail.ErrorType, detail.Message, detail.Retryable, detail.Timestamp)
	return err
}

// ListRunErrors returns a run's errors oldest first.
func (s *Store) ListRunErrors(ctx context.Context, runID string) ([]model.ErrorDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, COALESCE(source, ''), error_type, error_message, retryable, created_at
		FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ErrorDetail{}
	for rows.Next() {
		var d model.ErrorDetail
		if err := rows.Scan(&d.Stage, &d.Source, &d.ErrorType, &d.Message, &d.Retryable, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Severity = "high"
		if d.Retryable {
			d.Severity = "medium"
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LogEntry is a persisted run log line.
type LogEntry struct {
	Stage     string         `json:"stage"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SavePipelineLog stores a log line for a run.
func (s *Store) SavePipelineLog(ctx context.Context, runID, stage, level, message string, fields map[string]any) error {
	var encoded any
	if len(fields) > 0 {
		b, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		encoded = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, stage, level, message, fields, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, stage, level, message, encoded, time.Now().UTC())
	return err
}

// ListLogs returns a run's log lines, optionally filtered by stage.
func (s *Store) ListLogs(ctx context.Context, runID, stage string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, level, message, fields, created_at FROM run_logs
		WHERE run_id = ? AND (? = '' OR stage = ?)
		ORDER BY id LIMIT ?`, runID, stage, stage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var (
			e      LogEntry
			fields sql.NullString
		)
		if err := rows.Scan(&e.Stage, &e.Level, &e.Message, &fields, &e.CreatedAt); err != nil {
			return nil, err
		}
		if fields.Valid {
			if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Stage progress ---

// SaveStageProgress upserts the progress row of one stage.
func (s *Store) SaveStageProgress(ctx context.Context, runID string, m model.StageMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_progress (run_id, stage, status, started_at, ended_at, records, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			records = excluded.records,
			errors = excluded.errors`,
		runID, m.Stage, m.Status, m.StartTime, m.EndTime, m.RecordsProcessed, m.ErrorCount)
	return err
}

// ListStageProgress returns the stages of a run in start order.
func (s *Store) ListStageProgress(ctx context.Context, runID string) ([]model.StageMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, status, started_at, ended_at, records, errors
		FROM stage_progress WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.StageMetrics{}
	for rows.Next() {
		var (
			m     model.StageMetrics
			ended sql.NullTime
		)
		if err := rows.Scan(&m.Stage, &m.Status, &m.StartTime, &ended, &m.RecordsProcessed, &m.ErrorCount); err != nil {
			return nil, err
		}
		if ended.Valid {
			m.EndTime = &ended.Time
			m.Duration = ended.Time.Sub(m.StartTime)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Cursors ---

// GetCursor returns the stored resume position of a source.
func (s *Store) GetCursor(ctx context.Context, source string) (model.Cursor, bool, error) {
	var c model.Cursor
	err := s.db.QueryRowContext(ctx, `SELECT page, token FROM cursors WHERE source = ?`, source).Scan(&c.Page, &c.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cursor{}, false, nil
	}
	if err != nil {
		return model.Cursor{}, false, err
	}
	return c, true, nil
}

// SaveCursor stores the resume position of a source.
func (s *Store) SaveCursor(ctx context.Context, source, runID string, c model.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (source, page, token, run_id, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET
			page = excluded.page, token = excluded.token,
			run_id = excluded.run_id, updated_at = excluded.updated_at`,
		source, c.Page, c.Token, runID, time.Now().UTC())
	return err
}

// --- Landing batches ---

// NextBatchSeq allocates the batch sequence for one execution attempt of a
// run. Sequences are never reused, so every attempt names its own manifests.
func (s *Store) NextBatchSeq(ctx context.Context, runID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO landing_attempts (run_id, created_at) VALUES (?, ?)`, runID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("allocate batch sequence: %w", err)
	}
	return res.LastInsertId()
}

// SaveLandingBatch records the result of writing one source's batch.
func (s *Store) SaveLandingBatch(ctx context.Context, runID string, res model.WriteResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO landing_batches (run_id, source, run_seq, received, written, deduplicated, manifest_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, source) DO UPDATE SET
			run_seq = excluded.run_seq, received = excluded.received, written = excluded.written,
			deduplicated = excluded.deduplicated, manifest_key = excluded.manifest_key`,
		runID, res.Source, res.RunID, res.Received, res.Written, res.Deduplicated, res.ManifestKey, time.Now().UTC())
	return err
}

// ListLandingBatches returns the batches landed by a run.
func (s *Store) ListLandingBatches(ctx context.Context, runID string) ([]model.WriteResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, run_seq, received, written, deduplicated, manifest_key
		FROM landing_batches WHERE run_id = ? ORDER BY source`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.WriteResult{}
	for rows.Next() {
		var r model.WriteResult
		if err := rows.Scan(&r.Source, &r.RunID, &r.Received, &r.Written, &r.Deduplicated, &r.ManifestKey); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Transform outcomes ---

// SaveTransformOutcomes stores every outcome of a transform run in one transaction.
func (s *Store) SaveTransformOutcomes(ctx context.Context, runID string, outcomes map[string]model.TransformOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := time.Now().UTC()
	for _, o := range outcomes {
		var version, rowCount any
		if o.Table != nil {
			version, rowCount = o.Table.Version, o.Table.RowCount
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transform_outcomes (run_id, name, status, version, row_count, error, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, name) DO UPDATE SET
				status = excluded.status, version = excluded.version, row_count = excluded.row_count,
				error = excluded.error, duration_ms = excluded.duration_ms, created_at = excluded.created_at`,
			runID, o.Name, string(o.Status), version, rowCount, o.Error, o.Duration.Milliseconds(), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListTransformOutcomes returns a run's outcomes ordered by name.
func (s *Store) ListTransformOutcomes(ctx context.Context, runID string) ([]model.TransformOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, version, row_count, error, duration_ms
		FROM transform_outcomes WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.TransformOutcome{}
	for rows.Next() {
		var (
			o        model.TransformOutcome
			status   string
			version  sql.NullString
			rowCount sql.NullInt64
			errMsg   sql.NullString
			ms       int64
		)
		if err := rows.Scan(&o.Name, &status, &version, &rowCount, &errMsg, &ms); err != nil {
			return nil, err
		}
		o.Status = model.TransformStatus(status)
		o.Error = errMsg.String
		o.Duration = time.Duration(ms) * time.Millisecond
		if version.Valid {
			o.Table = &model.DerivedTable{Name: o.Name, Version: version.String, RowCount: rowCount.Int64}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
