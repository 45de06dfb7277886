// Package observability records the typed history a task's status
// transitions and agent executions leave behind: one row per transition
// and one row per execution record, both queryable by the Read API and
// checkable against the transition-path invariant in tests.
package observability

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	sharederrors "github.com/jordigilh/wrenchbot/pkg/shared/errors"
	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// TransitionRecord is one status change in a task's history.
type TransitionRecord struct {
	TaskID   string
	From     types.Status
	To       types.Status
	Event    statemachine.Event
	Effects  []statemachine.SideEffect
	Recorded time.Time
}

// Log is the Postgres-backed event log. It never decides whether a
// transition is legal — statemachine already did that — it only records
// what happened.
type Log struct {
	db *sqlx.DB
}

// New builds a Log over an already-connected sqlx.DB.
func New(db *sqlx.DB) *Log {
	return &Log{db: db}
}

// RecordTransition appends one row to the transition history. Effects are
// stored as a comma-joined string; the log is a record of what happened,
// not a queue, so it does not need a structured array column.
func (l *Log) RecordTransition(ctx context.Context, taskID string, from, to types.Status, event statemachine.Event, effects []statemachine.SideEffect) error {
	const query = `
		INSERT INTO task_transitions (task_id, from_status, to_status, event, effects, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := l.db.ExecContext(ctx, query,
		taskID, string(from), string(to), string(event), joinEffects(effects), time.Now().UTC(),
	)
	if err != nil {
		return sharederrors.DatabaseError("insert task_transitions", err)
	}
	return nil
}

// History returns every recorded transition for a task, oldest first.
func (l *Log) History(ctx context.Context, taskID string) ([]TransitionRecord, error) {
	const query = `
		SELECT task_id, from_status, to_status, event, effects, recorded_at
		FROM task_transitions WHERE task_id = $1 ORDER BY recorded_at ASC`

	var rows []transitionRow
	if err := l.db.SelectContext(ctx, &rows, query, taskID); err != nil {
		return nil, sharederrors.DatabaseError("select task_transitions", err)
	}

	records := make([]TransitionRecord, len(rows))
	for i, r := range rows {
		records[i] = r.toRecord()
	}
	return records, nil
}

// Path extracts just the status sequence from a task's history, for
// checking against statemachine.ValidatePath.
func (l *Log) Path(ctx context.Context, taskID string) ([]types.Status, error) {
	history, err := l.History(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	path := make([]types.Status, 0, len(history)+1)
	path = append(path, history[0].From)
	for _, h := range history {
		path = append(path, h.To)
	}
	return path, nil
}

type transitionRow struct {
	TaskID     string    `db:"task_id"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	Event      string    `db:"event"`
	Effects    string    `db:"effects"`
	RecordedAt time.Time `db:"recorded_at"`
}

func (r transitionRow) toRecord() TransitionRecord {
	return TransitionRecord{
		TaskID:   r.TaskID,
		From:     types.Status(r.FromStatus),
		To:       types.Status(r.ToStatus),
		Event:    statemachine.Event(r.Event),
		Effects:  splitEffects(r.Effects),
		Recorded: r.RecordedAt,
	}
}

func joinEffects(effects []statemachine.SideEffect) string {
	s := ""
	for i, e := range effects {
		if i > 0 {
			s += ","
		}
		s += string(e)
	}
	return s
}

func splitEffects(s string) []statemachine.SideEffect {
	if s == "" {
		return nil
	}
	var effects []statemachine.SideEffect
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			effects = append(effects, statemachine.SideEffect(s[start:i]))
			start = i + 1
		}
	}
	return effects
}

// ErrNoOpenExecution is returned by FinishExecution when the task has no
// unfinished execution record to close out.
var ErrNoOpenExecution = errors.New("no-open-execution")

// BeginExecution opens a new execution record for a task entering
// planning or execution under the caller-supplied session id. Called in
// response to statemachine.EffectBeginExecutionRecord.
func (l *Log) BeginExecution(ctx context.Context, taskID, agentName, sessionID string) error {
	const query = `
		INSERT INTO agent_executions (task_id, agent_name, session_id, started_at)
		VALUES ($1, $2, $3, $4)`

	_, err := l.db.ExecContext(ctx, query, taskID, agentName, sessionID, time.Now().UTC())
	if err != nil {
		return sharederrors.DatabaseError("insert agent_executions", err)
	}
	return nil
}

// FinishExecution closes out the most recent open execution record for a
// task with its outcome and accumulated usage.
func (l *Log) FinishExecution(ctx context.Context, taskID string, outcome types.ExecutionOutcome, usage types.Usage, nextAgent string) error {
	const query = `
		UPDATE agent_executions SET finished_at = $1, outcome = $2,
			input_tokens = $3, output_tokens = $4, wall_time_secs = $5, monetary_cost = $6, next_agent = $7
		WHERE task_id = $8 AND finished_at IS NULL
		AND id = (SELECT id FROM agent_executions WHERE task_id = $8 AND finished_at IS NULL ORDER BY started_at DESC LIMIT 1)`

	result, err := l.db.ExecContext(ctx, query,
		time.Now().UTC(), string(outcome), usage.InputTokens, usage.OutputTokens, usage.WallTimeSecs, usage.MonetaryCost, nextAgent, taskID,
	)
	if err != nil {
		return sharederrors.DatabaseError("update agent_executions", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return sharederrors.DatabaseError("rows-affected agent_executions", err)
	}
	if rows == 0 {
		return ErrNoOpenExecution
	}
	return nil
}

// Executions returns a task's execution chain, oldest first.
func (l *Log) Executions(ctx context.Context, taskID string) ([]types.AgentExecutionRecord, error) {
	const query = `
		SELECT task_id, agent_name, session_id, started_at, finished_at, outcome,
			input_tokens, output_tokens, wall_time_secs, monetary_cost, next_agent
		FROM agent_executions WHERE task_id = $1 ORDER BY started_at ASC`

	var rows []executionRow
	if err := l.db.SelectContext(ctx, &rows, query, taskID); err != nil {
		return nil, sharederrors.DatabaseError("select agent_executions", err)
	}

	records := make([]types.AgentExecutionRecord, len(rows))
	for i, r := range rows {
		records[i] = r.toRecord()
	}
	return records, nil
}

type executionRow struct {
	TaskID       string         `db:"task_id"`
	AgentName    string         `db:"agent_name"`
	SessionID    string         `db:"session_id"`
	StartedAt    time.Time      `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
	Outcome      sql.NullString `db:"outcome"`
	InputTokens  int64          `db:"input_tokens"`
	OutputTokens int64          `db:"output_tokens"`
	WallTimeSecs float64        `db:"wall_time_secs"`
	MonetaryCost float64        `db:"monetary_cost"`
	NextAgent    sql.NullString `db:"next_agent"`
}

func (r executionRow) toRecord() types.AgentExecutionRecord {
	rec := types.AgentExecutionRecord{
		TaskID:    r.TaskID,
		AgentName: r.AgentName,
		SessionID: r.SessionID,
		StartedAt: r.StartedAt,
		Outcome:   types.ExecutionOutcome(r.Outcome.String),
		Usage: types.Usage{
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			WallTimeSecs: r.WallTimeSecs,
			MonetaryCost: r.MonetaryCost,
		},
		NextAgent: r.NextAgent.String,
	}
	if r.FinishedAt.Valid {
		finished := r.FinishedAt.Time
		rec.FinishedAt = &finished
	}
	return rec
}
