package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys
const uniqueViolation = "23505"

const schema = `
	CREATE TABLE IF NOT EXISTS generation_jobs (
		job_id           TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		payload          JSONB,
		state            TEXT NOT NULL,
		progress         INTEGER NOT NULL DEFAULT 0,
		current_step     TEXT NOT NULL DEFAULT '',
		logs             JSONB NOT NULL DEFAULT '[]',
		result           JSONB,
		error_message    TEXT NOT NULL DEFAULT '',
		retry_of         TEXT NOT NULL DEFAULT '',
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	);
	ALTER TABLE generation_jobs ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
	CREATE INDEX IF NOT EXISTS idx_generation_jobs_state_seq
		ON generation_jobs (state, seq);
`

const jobColumns = `
	job_id, kind, payload, state, progress, current_step, logs,
	result, error_message, retry_of, cancel_requested, created_at, updated_at
`

// jobRow is the generation_jobs row layout
type jobRow struct {
	JobID           string         `db:"job_id"`
	Kind            string         `db:"kind"`
	Payload         sql.NullString `db:"payload"`
	State           string         `db:"state"`
	Progress        int            `db:"progress"`
	CurrentStep     string         `db:"current_step"`
	Logs            string         `db:"logs"`
	Result          sql.NullString `db:"result"`
	ErrorMessage    string         `db:"error_message"`
	RetryOf         string         `db:"retry_of"`
	CancelRequested bool           `db:"cancel_requested"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

// PostgresStore persists job records in the generation_jobs table.
// Update takes a row lock (SELECT ... FOR UPDATE) so mutations of one job
// are serialized while other jobs proceed in parallel.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the jobs table and its index when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create generation_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *domain.Record) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO generation_jobs (` + jobColumns + `)
		VALUES (
			:job_id, :kind, :payload, :state, :progress, :current_step, :logs,
			:result, :error_message, :retry_of, :cancel_requested, :created_at, :updated_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("put job %s: %w", rec.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toRecord()
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn Mutator) (*domain.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Warn("Failed to rollback job update",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()

	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE job_id = $1 FOR UPDATE`

	var row jobRow
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	rec, err := row.toRecord()
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}

	updated, err := toRow(rec)
	if err != nil {
		return nil, err
	}

	update := `
		UPDATE generation_jobs
		SET state = $1,
			progress = $2,
			current_step = $3,
			logs = $4,
			result = $5,
			error_message = $6,
			cancel_requested = $7,
			updated_at = $8
		WHERE job_id = $9
	`
	_, err = tx.ExecContext(ctx, update,
		updated.State,
		updated.Progress,
		updated.CurrentStep,
		updated.Logs,
		updated.Result,
		updated.ErrorMessage,
		updated.CancelRequested,
		updated.UpdatedAt,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*domain.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}

	// seq is assigned at insert, so queued jobs come back in submission order
	// even when created_at ties
	query += " ORDER BY seq ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]*domain.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM generation_jobs WHERE job_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func toRow(rec *domain.Record) (*jobRow, error) {
	logs := rec.Logs
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job logs: %w", err)
	}

	return &jobRow{
		JobID:           rec.ID,
		Kind:            string(rec.Kind),
		Payload:         nullableJSON(rec.Payload),
		State:           string(rec.State),
		Progress:        rec.Progress,
		CurrentStep:     rec.CurrentStep,
		Logs:            string(logsJSON),
		Result:          nullableJSON(rec.Result),
		ErrorMessage:    rec.Error,
		RetryOf:         rec.RetryOf,
		CancelRequested: rec.CancelRequested,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

func (r *jobRow) toRecord() (*domain.Record, error) {
	state, ok := domain.ParseState(r.State)
	if !ok {
		return nil, fmt.Errorf("job %s has unknown state %q", r.JobID, r.State)
	}

	var logs []domain.LogEntry
	if r.Logs != "" {
		if err := json.Unmarshal([]byte(r.Logs), &logs); err != nil {
			return nil, fmt.Errorf("failed to decode logs of job %s: %w", r.JobID, err)
		}
	}

	return &domain.Record{
		ID:              r.JobID,
		Kind:            domain.Kind(r.Kind),
		Payload:         rawOrNil(r.Payload),
		State:           state,
		Progress:        r.Progress,
		CurrentStep:     r.CurrentStep,
		Logs:            logs,
		Result:          rawOrNil(r.Result),
		Error:           r.ErrorMessage,
		RetryOf:         r.RetryOf,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

// nullableJSON maps an empty raw message to SQL NULL. JSON goes over the wire
// as text because lib/pq encodes []byte parameters as bytea.
func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
