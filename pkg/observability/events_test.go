package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/wrenchbot/pkg/observability"
	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func newTestLog(t *testing.T) (*observability.Log, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return observability.New(db), mock
}

func TestRecordTransitionInsertsRow(t *testing.T) {
	log, mock := newTestLog(t)
	mock.ExpectExec(`INSERT INTO task_transitions`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := log.RecordTransition(context.Background(), "task-1", types.StatusQueued, types.StatusPlanning,
		statemachine.EventWorkerClaim, []statemachine.SideEffect{statemachine.EffectBeginExecutionRecord})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryReturnsRowsOldestFirst(t *testing.T) {
	log, mock := newTestLog(t)
	now := time.Now().UTC()

	cols := []string{"task_id", "from_status", "to_status", "event", "effects", "recorded_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("task-1", "queued", "planning", "worker-claim", "begin-execution-record", now).
		AddRow("task-1", "planning", "awaiting-approval", "subprocess-success", "post-plan-artifact,notify-chat", now.Add(time.Minute))

	mock.ExpectQuery(`SELECT task_id, from_status, to_status, event, effects, recorded_at`).
		WithArgs("task-1").
		WillReturnRows(rows)

	history, err := log.History(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.StatusQueued, history[0].From)
	assert.Equal(t, types.StatusPlanning, history[0].To)
	assert.Equal(t, []statemachine.SideEffect{statemachine.EffectBeginExecutionRecord}, history[0].Effects)
	assert.Equal(t, []statemachine.SideEffect{statemachine.EffectPostPlanArtifact, statemachine.EffectNotifyChat}, history[1].Effects)
}

func TestPathExtractsStatusSequence(t *testing.T) {
	log, mock := newTestLog(t)
	now := time.Now().UTC()

	cols := []string{"task_id", "from_status", "to_status", "event", "effects", "recorded_at"}
	rows := sqlmock.NewRows(cols).
		AddRow("task-1", "queued", "planning", "worker-claim", "", now).
		AddRow("task-1", "planning", "awaiting-approval", "subprocess-success", "", now.Add(time.Minute))

	mock.ExpectQuery(`SELECT task_id, from_status, to_status, event, effects, recorded_at`).
		WithArgs("task-1").
		WillReturnRows(rows)

	path, err := log.Path(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, []types.Status{types.StatusQueued, types.StatusPlanning, types.StatusAwaitingApproval}, path)
}

func TestPathReturnsNilForUnknownTask(t *testing.T) {
	log, mock := newTestLog(t)
	cols := []string{"task_id", "from_status", "to_status", "event", "effects", "recorded_at"}
	mock.ExpectQuery(`SELECT task_id, from_status, to_status, event, effects, recorded_at`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(cols))

	path, err := log.Path(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestBeginExecutionInsertsRow(t *testing.T) {
	log, mock := newTestLog(t)
	mock.ExpectExec(`INSERT INTO agent_executions`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := log.BeginExecution(context.Background(), "task-1", "planner", "sess-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishExecutionUpdatesMostRecentOpenRecord(t *testing.T) {
	log, mock := newTestLog(t)
	mock.ExpectExec(`UPDATE agent_executions SET`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := log.FinishExecution(context.Background(), "task-1", types.OutcomeSuccess, types.Usage{InputTokens: 10}, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishExecutionReturnsErrNoOpenExecutionWhenNothingToClose(t *testing.T) {
	log, mock := newTestLog(t)
	mock.ExpectExec(`UPDATE agent_executions SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := log.FinishExecution(context.Background(), "task-1", types.OutcomeSuccess, types.Usage{}, "")
	assert.ErrorIs(t, err, observability.ErrNoOpenExecution)
}

func TestExecutionsReturnsOrderedChainWithNullableFields(t *testing.T) {
	log, mock := newTestLog(t)
	now := time.Now().UTC()

	cols := []string{"task_id", "agent_name", "session_id", "started_at", "finished_at", "outcome",
		"input_tokens", "output_tokens", "wall_time_secs", "monetary_cost", "next_agent"}
	rows := sqlmock.NewRows(cols).
		AddRow("task-1", "planner", "sess-1", now, nil, nil, 0, 0, 0.0, 0.0, nil)

	mock.ExpectQuery(`SELECT task_id, agent_name, session_id, started_at, finished_at, outcome`).
		WithArgs("task-1").
		WillReturnRows(rows)

	records, err := log.Executions(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].IsNonTerminal())
	assert.Equal(t, "planner", records[0].AgentName)
}
