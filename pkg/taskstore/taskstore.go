// Package taskstore is the authoritative store for Task records: the
// only component allowed to change a task's status, and only by routing
// through pkg/statemachine. It provides optimistic concurrency via a
// monotonically increasing version column, backed by Postgres through
// pgx's database/sql driver and sqlx.
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	sharederrors "github.com/jordigilh/wrenchbot/pkg/shared/errors"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// ErrNotFound is returned when a task id has no matching row.
var ErrNotFound = errors.New("not-found")

// ErrVersionConflict is returned by Update once the optimistic-concurrency
// retry budget (three attempts, linear backoff) has been exhausted.
var ErrVersionConflict = errors.New("version-conflict")

const maxUpdateRetries = 3

// Store is the Postgres-backed task store.
type Store struct {
	db  *sqlx.DB
	log *logrus.Logger
}

// New builds a Store over an already-connected sqlx.DB (typically opened
// against the "pgx" driver).
func New(db *sqlx.DB, log *logrus.Logger) *Store {
	return &Store{db: db, log: log}
}

type taskRow struct {
	ID             string         `db:"id"`
	Fingerprint    string         `db:"fingerprint"`
	OriginProvider string         `db:"origin_provider"`
	OriginEventID  string         `db:"origin_event_id"`
	TargetRepo     string         `db:"target_repo"`
	TargetRef      string         `db:"target_ref"`
	Kind           string         `db:"kind"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	Attempts       int            `db:"attempts"`
	LastError      string         `db:"last_error"`
	PlanRef        string         `db:"plan_ref"`
	PRRef          string         `db:"pr_ref"`
	InputTokens    int64          `db:"input_tokens"`
	OutputTokens   int64          `db:"output_tokens"`
	WallTimeSecs   float64        `db:"wall_time_secs"`
	MonetaryCost   float64        `db:"monetary_cost"`
	Version        int            `db:"version"`
}

func (r taskRow) toTask() types.Task {
	return types.Task{
		ID:          r.ID,
		Fingerprint: r.Fingerprint,
		Origin:      types.Origin{Provider: types.Provider(r.OriginProvider), EventID: r.OriginEventID},
		Target:      types.Target{RepoFullName: r.TargetRepo, Ref: r.TargetRef},
		Kind:        types.Kind(r.Kind),
		Priority:    types.Priority(r.Priority),
		Status:      types.Status(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		PlanRef:     r.PlanRef,
		PRRef:       r.PRRef,
		Usage: types.Usage{
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			WallTimeSecs: r.WallTimeSecs,
			MonetaryCost: r.MonetaryCost,
		},
		Version: r.Version,
	}
}

// Put inserts a brand-new task. Callers must have already decided status
// (via statemachine.Create) before calling Put.
func (s *Store) Put(ctx context.Context, task *types.Task) error {
	const query = `
		INSERT INTO tasks (
			id, fingerprint, origin_provider, origin_event_id, target_repo, target_ref,
			kind, priority, status, created_at, updated_at, attempts, last_error,
			plan_ref, pr_ref, input_tokens, output_tokens, wall_time_secs, monetary_cost, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.Fingerprint, string(task.Origin.Provider), task.Origin.EventID,
		task.Target.RepoFullName, task.Target.Ref, string(task.Kind), int(task.Priority),
		string(task.Status), task.CreatedAt, task.UpdatedAt, task.Attempts, task.LastError,
		task.PlanRef, task.PRRef, task.Usage.InputTokens, task.Usage.OutputTokens,
		task.Usage.WallTimeSecs, task.Usage.MonetaryCost, task.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sharederrors.ValidationError("fingerprint", "duplicate active task for fingerprint")
		}
		return sharederrors.DatabaseError("insert tasks", err)
	}
	return nil
}

// Get loads a task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*types.Task, error) {
	const query = `SELECT id, fingerprint, origin_provider, origin_event_id, target_repo, target_ref,
		kind, priority, status, created_at, updated_at, attempts, last_error, plan_ref, pr_ref,
		input_tokens, output_tokens, wall_time_secs, monetary_cost, version
		FROM tasks WHERE id = $1`

	var row taskRow
	if err := s.db.GetContext(ctx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, sharederrors.DatabaseError("select tasks", err)
	}
	task := row.toTask()
	return &task, nil
}

// FindActiveByFingerprint returns the non-terminal task for fingerprint,
// if one exists.
func (s *Store) FindActiveByFingerprint(ctx context.Context, fingerprint string) (*types.Task, error) {
	const query = `SELECT id, fingerprint, origin_provider, origin_event_id, target_repo, target_ref,
		kind, priority, status, created_at, updated_at, attempts, last_error, plan_ref, pr_ref,
		input_tokens, output_tokens, wall_time_secs, monetary_cost, version
		FROM tasks
		WHERE fingerprint = $1
		AND status NOT IN ('completed', 'rejected', 'failed', 'deduplicated')`

	var row taskRow
	if err := s.db.GetContext(ctx, &row, query, fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, sharederrors.DatabaseError("select tasks", err)
	}
	task := row.toTask()
	return &task, nil
}

// Mutation is applied to a freshly-loaded task before Update persists it.
// It returns an error to abort the update without retrying (e.g. an
// illegal state-machine transition).
type Mutation func(task *types.Task) error

// Update loads the current row, applies mutate, and writes it back under
// an optimistic-concurrency compare-and-set on version. On a concurrent
// write it reloads and tries again, making up to three attempts in total
// with linear backoff between them, before surfacing ErrVersionConflict.
func (s *Store) Update(ctx context.Context, taskID string, mutate Mutation) (*types.Task, error) {
	var lastErr error
	for attempt := 1; attempt <= maxUpdateRetries; attempt++ {
		task, err := s.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}

		expectedVersion := task.Version
		if err := mutate(task); err != nil {
			return nil, err
		}
		task.Version = expectedVersion + 1
		task.UpdatedAt = time.Now().UTC()

		ok, err := s.compareAndSet(ctx, task, expectedVersion)
		if err != nil {
			return nil, err
		}
		if ok {
			return task, nil
		}

		lastErr = ErrVersionConflict
		if attempt < maxUpdateRetries {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return nil, lastErr
}

func (s *Store) compareAndSet(ctx context.Context, task *types.Task, expectedVersion int) (bool, error) {
	const query = `UPDATE tasks SET
		status = $1, updated_at = $2, attempts = $3, last_error = $4, plan_ref = $5, pr_ref = $6,
		input_tokens = $7, output_tokens = $8, wall_time_secs = $9, monetary_cost = $10, version = $11
		WHERE id = $12 AND version = $13`

	result, err := s.db.ExecContext(ctx, query,
		string(task.Status), task.UpdatedAt, task.Attempts, task.LastError, task.PlanRef, task.PRRef,
		task.Usage.InputTokens, task.Usage.OutputTokens, task.Usage.WallTimeSecs, task.Usage.MonetaryCost,
		task.Version, task.ID, expectedVersion,
	)
	if err != nil {
		return false, sharederrors.DatabaseError("update tasks", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, sharederrors.DatabaseError("rows-affected tasks", err)
	}
	return rows == 1, nil
}

// Filter narrows List's result set.
type Filter struct {
	Status       types.Status
	TargetRepo   string
}

// List returns tasks matching filter, paginated by an opaque cursor
// (the created_at of the last row seen, RFC3339-encoded).
func (s *Store) List(ctx context.Context, filter Filter, cursor string, limit int) ([]types.Task, string, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, fingerprint, origin_provider, origin_event_id, target_repo, target_ref,
		kind, priority, status, created_at, updated_at, attempts, last_error, plan_ref, pr_ref,
		input_tokens, output_tokens, wall_time_secs, monetary_cost, version
		FROM tasks WHERE 1=1`
	args := []interface{}{}
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.TargetRepo != "" {
		query += fmt.Sprintf(" AND target_repo = $%d", argN)
		args = append(args, filter.TargetRepo)
		argN++
	}
	if cursor != "" {
		ts, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", sharederrors.ValidationError("cursor", "malformed cursor")
		}
		query += fmt.Sprintf(" AND created_at > $%d", argN)
		args = append(args, ts)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", argN)
	args = append(args, limit)

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, "", sharederrors.DatabaseError("select tasks", err)
	}

	tasks := make([]types.Task, len(rows))
	for i, row := range rows {
		tasks[i] = row.toTask()
	}

	nextCursor := ""
	if len(rows) == limit {
		nextCursor = rows[len(rows)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return tasks, nextCursor, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
