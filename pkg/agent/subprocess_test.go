package agent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/wrenchbot/pkg/logchannel"
	"github.com/jordigilh/wrenchbot/pkg/queue"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func newTestRunner(t *testing.T, command string, cfg Config) (*Runner, *queue.Queue) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := queue.New(rdb, queue.Config{Visibility: time.Minute})
	log := logchannel.New(rdb, logchannel.Config{})
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	cfg.Command = command
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = 20 * time.Millisecond
	}

	r := &Runner{cfg: cfg, queueName: types.QueuePlan, workerID: "test", q: q, log: log, logger: logger}
	return r, q
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	f, err := os.CreateTemp("", "wrenchbot-test-script-*.sh")
	require.NoError(t, err)
	_, err = f.WriteString("#!/bin/sh\n" + body)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chmod(f.Name(), 0o700))
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestInvokeSuccessWithEnvelope(t *testing.T) {
	script := writeScript(t, `echo "starting"
echo '{"outcome":"success","pr_ref":"pr-7","input_tokens":10}'
exit 0
`)
	r, q := newTestRunner(t, script, Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, types.QueuePlan, "task-1", types.PriorityNormal))
	_, err := q.Claim(ctx, types.QueuePlan)
	require.NoError(t, err)

	task := types.Task{ID: "task-1", Target: types.Target{RepoFullName: "acme/widgets"}}
	res, err := r.invoke(ctx, task, "planning", t.TempDir(), "tok", time.Second, make(chan struct{}))
	require.NoError(t, err)
	require.True(t, res.HadEnvelope)
	require.Equal(t, types.OutcomeSuccess, res.Outcome)
	require.Equal(t, "pr-7", res.Envelope.PRRef)
}

func TestInvokeFallsBackToExitCodeWithoutEnvelope(t *testing.T) {
	script := writeScript(t, `echo "no envelope here"
exit 1
`)
	r, q := newTestRunner(t, script, Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, types.QueuePlan, "task-1", types.PriorityNormal))
	_, err := q.Claim(ctx, types.QueuePlan)
	require.NoError(t, err)

	task := types.Task{ID: "task-1", Target: types.Target{RepoFullName: "acme/widgets"}}
	res, err := r.invoke(ctx, task, "planning", t.TempDir(), "tok", time.Second, make(chan struct{}))
	require.NoError(t, err)
	require.False(t, res.HadEnvelope)
	require.Equal(t, types.OutcomeFailed, res.Outcome)
	require.False(t, res.Retryable)
}

func TestInvokeRespectsCooperativeCancellation(t *testing.T) {
	script := writeScript(t, `sleep 30
`)
	r, q := newTestRunner(t, script, Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, types.QueuePlan, "task-1", types.PriorityNormal))
	_, err := q.Claim(ctx, types.QueuePlan)
	require.NoError(t, err)

	cancel := make(chan struct{})
	time.AfterFunc(50*time.Millisecond, func() { close(cancel) })

	task := types.Task{ID: "task-1", Target: types.Target{RepoFullName: "acme/widgets"}}
	start := time.Now()
	res, err := r.invoke(ctx, task, "planning", t.TempDir(), "tok", time.Minute, cancel)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeCancelled, res.Outcome)
	require.Less(t, time.Since(start), 15*time.Second, "cancellation should not wait for the full grace period when the process dies promptly")
}

func TestInvokeClassifiesDeadlineExceededAsTimeout(t *testing.T) {
	script := writeScript(t, `sleep 30
`)
	r, q := newTestRunner(t, script, Config{})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, types.QueuePlan, "task-1", types.PriorityNormal))
	_, err := q.Claim(ctx, types.QueuePlan)
	require.NoError(t, err)

	task := types.Task{ID: "task-1", Target: types.Target{RepoFullName: "acme/widgets"}}
	res, err := r.invoke(ctx, task, "planning", t.TempDir(), "tok", 100*time.Millisecond, make(chan struct{}))
	require.NoError(t, err)
	require.Equal(t, types.OutcomeTimeout, res.Outcome)
	require.True(t, res.Retryable)
}
