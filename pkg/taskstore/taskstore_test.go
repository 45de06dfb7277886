package taskstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/wrenchbot/pkg/taskstore"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func newTestStore(t *testing.T) (*taskstore.Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	return taskstore.New(db, logger), mock
}

func sampleTask() *types.Task {
	now := time.Now().UTC()
	return &types.Task{
		ID:          "task-1",
		Fingerprint: "fp-1",
		Origin:      types.Origin{Provider: types.ProviderIssueTracker, EventID: "evt-1"},
		Target:      types.Target{RepoFullName: "acme/widgets", Ref: "PROJ-42"},
		Kind:        types.KindFix,
		Priority:    types.PriorityNormal,
		Status:      types.StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

func TestPutInsertsRow(t *testing.T) {
	store, mock := newTestStore(t)
	task := sampleTask()

	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Put(context.Background(), task)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func taskColumns() []string {
	return []string{
		"id", "fingerprint", "origin_provider", "origin_event_id", "target_repo", "target_ref",
		"kind", "priority", "status", "created_at", "updated_at", "attempts", "last_error",
		"plan_ref", "pr_ref", "input_tokens", "output_tokens", "wall_time_secs", "monetary_cost", "version",
	}
}

func TestGetReturnsNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT (.|\n)*FROM tasks WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(taskColumns()))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetReturnsTask(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(taskColumns()).AddRow(
		"task-1", "fp-1", "issue-tracker", "evt-1", "acme/widgets", "PROJ-42",
		"fix", 1, "queued", now, now, 0, "", "", "", 0, 0, 0.0, 0.0, 1,
	)
	mock.ExpectQuery(`SELECT (.|\n)*FROM tasks WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(rows)

	task, err := store.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, types.StatusQueued, task.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRetriesOnVersionConflictThenSucceeds(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now().UTC()

	rows := func(version int) *sqlmock.Rows {
		return sqlmock.NewRows(taskColumns()).AddRow(
			"task-1", "fp-1", "issue-tracker", "evt-1", "acme/widgets", "PROJ-42",
			"fix", 1, "queued", now, now, 0, "", "", "", 0, 0, 0.0, 0.0, version,
		)
	}

	// First attempt: load version 1, compare-and-set fails (concurrent writer won).
	mock.ExpectQuery(`SELECT (.|\n)*FROM tasks WHERE id = \$1`).WithArgs("task-1").WillReturnRows(rows(1))
	mock.ExpectExec(`UPDATE tasks SET`).WillReturnResult(sqlmock.NewResult(0, 0))

	// Second attempt: load version 2 (as if the other writer bumped it), succeeds.
	mock.ExpectQuery(`SELECT (.|\n)*FROM tasks WHERE id = \$1`).WithArgs("task-1").WillReturnRows(rows(2))
	mock.ExpectExec(`UPDATE tasks SET`).WillReturnResult(sqlmock.NewResult(1, 1))

	updated, err := store.Update(context.Background(), "task-1", func(task *types.Task) error {
		task.Status = types.StatusPlanning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPlanning, updated.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSurfacesVersionConflictAfterRetryBudget(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		rows := sqlmock.NewRows(taskColumns()).AddRow(
			"task-1", "fp-1", "issue-tracker", "evt-1", "acme/widgets", "PROJ-42",
			"fix", 1, "queued", now, now, 0, "", "", "", 0, 0, 0.0, 0.0, 1,
		)
		mock.ExpectQuery(`SELECT (.|\n)*FROM tasks WHERE id = \$1`).WithArgs("task-1").WillReturnRows(rows)
		mock.ExpectExec(`UPDATE tasks SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	_, err := store.Update(context.Background(), "task-1", func(task *types.Task) error {
		task.Status = types.StatusPlanning
		return nil
	})
	assert.ErrorIs(t, err, taskstore.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAbortsWhenMutationRejectsTransition(t *testing.T) {
	store, mock := newTestStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(taskColumns()).AddRow(
		"task-1", "fp-1", "issue-tracker", "evt-1", "acme/widgets", "PROJ-42",
		"fix", 1, "rejected", now, now, 0, "", "", "", 0, 0, 0.0, 0.0, 1,
	)
	mock.ExpectQuery(`SELECT (.|\n)*FROM tasks WHERE id = \$1`).WithArgs("task-1").WillReturnRows(rows)

	illegal := assert.AnError
	_, err := store.Update(context.Background(), "task-1", func(task *types.Task) error {
		return illegal
	})
	assert.ErrorIs(t, err, illegal)
	require.NoError(t, mock.ExpectationsWereMet())
}
