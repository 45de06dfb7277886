// Package agent implements the worker that claims queue items, invokes
// the collaborator subprocess for planning or execution, and drives the
// task through the state machine based on how the subprocess finished.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/wrenchbot/pkg/backoff"
	"github.com/jordigilh/wrenchbot/pkg/clock"
	"github.com/jordigilh/wrenchbot/pkg/logchannel"
	"github.com/jordigilh/wrenchbot/pkg/observability"
	"github.com/jordigilh/wrenchbot/pkg/queue"
	"github.com/jordigilh/wrenchbot/pkg/repocache"
	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/taskstore"
	"github.com/jordigilh/wrenchbot/pkg/tokenbroker"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// Config fixes how a Runner invokes and bounds the collaborator
// subprocess. Zero values for the timeouts and heartbeat period are
// replaced with spec defaults by NewRunner.
type Config struct {
	Command         string
	PlanTimeout     time.Duration
	ExecuteTimeout  time.Duration
	MaxOutputLines  int
	HeartbeatPeriod time.Duration
}

const (
	defaultPlanTimeout    = 30 * time.Minute
	defaultExecuteTimeout = 60 * time.Minute
	defaultHeartbeat      = 15 * time.Second
)

// noopEffectRunner discards every effect; used when the caller has not
// wired a collaborator notifier.
type noopEffectRunner struct{}

func (noopEffectRunner) Run(context.Context, types.Task, []statemachine.SideEffect) error { return nil }

// Runner executes the single-claim lifecycle against one named queue
// (plan or execute). One Runner per queue name is typically pooled by a
// Pool to provide the configured worker concurrency.
type Runner struct {
	cfg       Config
	queueName types.QueueName
	workerID  string

	store   *taskstore.Store
	q       *queue.Queue
	log     *logchannel.Channel
	tokens  *tokenbroker.Broker
	repos   *repocache.Manager
	effects statemachine.EffectRunner
	events  *observability.Log
	logger  *logrus.Logger
}

// NewRunner builds a Runner claiming from queueName. events may be nil, in
// which case transitions this Runner drives simply go unrecorded.
func NewRunner(
	queueName types.QueueName,
	workerID string,
	cfg Config,
	store *taskstore.Store,
	q *queue.Queue,
	log *logchannel.Channel,
	tokens *tokenbroker.Broker,
	repos *repocache.Manager,
	effects statemachine.EffectRunner,
	events *observability.Log,
	logger *logrus.Logger,
) *Runner {
	if cfg.PlanTimeout == 0 {
		cfg.PlanTimeout = defaultPlanTimeout
	}
	if cfg.ExecuteTimeout == 0 {
		cfg.ExecuteTimeout = defaultExecuteTimeout
	}
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = defaultHeartbeat
	}
	if effects == nil {
		effects = noopEffectRunner{}
	}
	return &Runner{
		cfg: cfg, queueName: queueName, workerID: workerID,
		store: store, q: q, log: log, tokens: tokens, repos: repos,
		effects: effects, events: events, logger: logger,
	}
}

// recordTransition appends to the event log if one is wired; logged and
// swallowed on failure since the transition itself already committed.
func (r *Runner) recordTransition(ctx context.Context, taskID string, result statemachine.Result, event statemachine.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.RecordTransition(ctx, taskID, result.From, result.To, event, result.Effects); err != nil {
		r.logger.WithError(err).WithField("task_id", taskID).Warn("recording transition history")
	}
}

// beginExecutionIfNeeded opens a new execution record when the claim
// transition asked for one.
func (r *Runner) beginExecutionIfNeeded(ctx context.Context, taskID, agentName string, effects []statemachine.SideEffect) {
	if r.events == nil {
		return
	}
	for _, e := range effects {
		if e == statemachine.EffectBeginExecutionRecord {
			if err := r.events.BeginExecution(ctx, taskID, agentName, clock.NewSessionID()); err != nil {
				r.logger.WithError(err).WithField("task_id", taskID).Warn("opening execution record")
			}
			return
		}
	}
}

// finishExecution closes the most recent open execution record, if one is
// wired and open; ErrNoOpenExecution is expected whenever a claim never
// reached the point of opening one (e.g. token resolution failed first).
func (r *Runner) finishExecution(ctx context.Context, taskID string, outcome types.ExecutionOutcome, usage types.Usage) {
	if r.events == nil {
		return
	}
	if err := r.events.FinishExecution(ctx, taskID, outcome, usage, ""); err != nil && err != observability.ErrNoOpenExecution {
		r.logger.WithError(err).WithField("task_id", taskID).Warn("closing execution record")
	}
}

// stage maps a queue name to the event that must be legal from the
// task's current status to claim it, the status the task enters while
// the worker holds it, and the subprocess timeout for that stage.
type stage struct {
	claimEvent statemachine.Event
	wantStatus types.Status // current status claim requires
	name       string
	timeout    time.Duration
}

func (r *Runner) stage() stage {
	if r.queueName == types.QueueExecute {
		return stage{claimEvent: statemachine.EventWorkerClaim, wantStatus: types.StatusApproved, name: "execution", timeout: r.cfg.ExecuteTimeout}
	}
	return stage{claimEvent: statemachine.EventWorkerClaim, wantStatus: types.StatusQueued, name: "planning", timeout: r.cfg.PlanTimeout}
}

// RunOnce claims and fully processes at most one item from the Runner's
// queue. It returns claimed=false when the queue was empty.
func (r *Runner) RunOnce(ctx context.Context) (claimed bool, err error) {
	item, err := r.q.Claim(ctx, r.queueName)
	if err != nil {
		return false, fmt.Errorf("claiming from %s: %w", r.queueName, err)
	}
	if item == nil {
		return false, nil
	}

	if err := r.process(ctx, item); err != nil {
		r.logger.WithError(err).WithField("task_id", item.TaskID).Error("processing claimed task")
	}
	return true, nil
}

func (r *Runner) process(ctx context.Context, item *types.QueueItem) error {
	st := r.stage()
	log := r.logger.WithField("task_id", item.TaskID).WithField("worker_id", r.workerID)

	task, err := r.store.Get(ctx, item.TaskID)
	if err != nil {
		_ = r.q.Ack(ctx, r.queueName, item.TaskID)
		return fmt.Errorf("loading task: %w", err)
	}

	if task.Status != st.wantStatus {
		log.WithField("status", task.Status).Info("task has moved on since enqueue, skipping claim")
		return r.q.Ack(ctx, r.queueName, item.TaskID)
	}

	result, err := statemachine.Apply(task.Status, st.claimEvent)
	if err != nil {
		log.WithError(err).Warn("illegal transition claiming task, acking stale claim")
		return r.q.Ack(ctx, r.queueName, item.TaskID)
	}

	task, err = r.store.Update(ctx, task.ID, func(t *types.Task) error {
		t.Status = result.To
		t.Attempts++
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording claim: %w", err)
	}
	if err := r.effects.Run(ctx, *task, result.Effects); err != nil {
		log.WithError(err).Warn("running side effects for claim")
	}
	r.recordTransition(ctx, task.ID, result, st.claimEvent)
	r.beginExecutionIfNeeded(ctx, task.ID, st.name, result.Effects)

	organizationID, installationID := ownerOf(task.Target.RepoFullName)
	tok, err := r.tokens.GetToken(ctx, task.Origin.Provider, organizationID)
	if err != nil {
		return r.fail(ctx, item, task, fmt.Errorf("resolving token: %w", err), true)
	}

	workDir, err := r.repos.Acquire(ctx, installationID, task.Target, task.Origin.Provider, organizationID)
	if err != nil {
		return r.fail(ctx, item, task, fmt.Errorf("acquiring repository cache: %w", err), true)
	}
	defer func() {
		if err := r.repos.Release(context.Background(), installationID, task.Target); err != nil {
			log.WithError(err).Warn("releasing repository cache entry")
		}
	}()

	cancel := make(chan struct{})
	watchDone := make(chan struct{})
	go r.watchForExternalCancellation(task.ID, cancel, watchDone)

	res, err := r.invoke(ctx, *task, st.name, workDir, tok.Value, st.timeout, cancel)
	close(watchDone)
	if err != nil {
		return r.fail(ctx, item, task, fmt.Errorf("invoking subprocess: %w", err), true)
	}

	return r.applyOutcome(ctx, item, task, res)
}

func (r *Runner) applyOutcome(ctx context.Context, item *types.QueueItem, task *types.Task, res runResult) error {
	log := r.logger.WithField("task_id", task.ID)

	switch res.Outcome {
	case types.OutcomeSuccess:
		event := statemachine.EventSubprocessSuccess
		result, err := statemachine.Apply(task.Status, event)
		if err != nil {
			return fmt.Errorf("applying success transition: %w", err)
		}
		task, err = r.store.Update(ctx, task.ID, func(t *types.Task) error {
			t.Status = result.To
			if res.HadEnvelope {
				if res.Envelope.PlanRef != "" {
					t.PlanRef = res.Envelope.PlanRef
				}
				if res.Envelope.PRRef != "" {
					t.PRRef = res.Envelope.PRRef
				}
				t.Usage.InputTokens += res.Envelope.InputTokens
				t.Usage.OutputTokens += res.Envelope.OutputTokens
				t.Usage.MonetaryCost += res.Envelope.MonetaryCost
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("recording success: %w", err)
		}
		if err := r.effects.Run(ctx, *task, result.Effects); err != nil {
			log.WithError(err).Warn("running side effects for success")
		}
		r.recordTransition(ctx, task.ID, result, event)
		usage := types.Usage{}
		if res.HadEnvelope {
			usage = types.Usage{
				InputTokens:  res.Envelope.InputTokens,
				OutputTokens: res.Envelope.OutputTokens,
				MonetaryCost: res.Envelope.MonetaryCost,
			}
		}
		r.finishExecution(ctx, task.ID, types.OutcomeSuccess, usage)
		return r.q.Ack(ctx, r.queueName, item.TaskID)

	case types.OutcomeCancelled:
		log.Info("subprocess cancelled, acking without further transition")
		r.finishExecution(ctx, task.ID, types.OutcomeCancelled, types.Usage{})
		return r.q.Ack(ctx, r.queueName, item.TaskID)

	default: // failed or timeout
		return r.fail(ctx, item, task, fmt.Errorf("subprocess outcome %s", res.Outcome), res.Retryable)
	}
}

// fail applies the retryable-or-fatal transition for a claim that could
// not be completed, and either schedules a backoff requeue or lets the
// task settle into failed.
func (r *Runner) fail(ctx context.Context, item *types.QueueItem, task *types.Task, cause error, retryable bool) error {
	log := r.logger.WithField("task_id", task.ID).WithError(cause)

	event := statemachine.EventSubprocessFatal
	if retryable && task.Attempts < maxRetryAttempts {
		event = statemachine.EventSubprocessRetryable
	} else if retryable {
		event = statemachine.EventMaxRetries
	}

	result, err := statemachine.Apply(task.Status, event)
	if err != nil {
		log.WithError(err).Error("applying failure transition")
		return r.q.Ack(ctx, r.queueName, item.TaskID)
	}

	task, err = r.store.Update(ctx, task.ID, func(t *types.Task) error {
		t.Status = result.To
		t.LastError = cause.Error()
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	if err := r.effects.Run(ctx, *task, result.Effects); err != nil {
		log.WithError(err).Warn("running side effects for failure")
	}
	r.recordTransition(ctx, task.ID, result, event)

	if event != statemachine.EventSubprocessRetryable {
		r.finishExecution(ctx, task.ID, types.OutcomeFailed, types.Usage{})
		log.Error("task failed, not retrying")
		return r.q.Ack(ctx, r.queueName, item.TaskID)
	}

	return r.requeueWithBackoff(ctx, item, task.Priority, task.Attempts)
}

// watchForExternalCancellation polls the task's stored status while a
// subprocess is running and closes cancel if a concurrent command
// transitions the task to rejected or failed out from under the worker
// (e.g. a reject command arriving mid-execution).
func (r *Runner) watchForExternalCancellation(taskID string, cancel chan<- struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t, err := r.store.Get(context.Background(), taskID)
			if err != nil {
				continue
			}
			if t.Status == types.StatusRejected || t.Status == types.StatusFailed {
				close(cancel)
				return
			}
		}
	}
}

const maxRetryAttempts = 5

// requeueWithBackoff acks the current claim (it is no longer held) and
// schedules re-enqueue after the fixed exponential-with-jitter delay, so
// the item is simply absent from both the pending and claimed sets while
// it waits rather than occupying a claim slot.
func (r *Runner) requeueWithBackoff(ctx context.Context, item *types.QueueItem, priority types.Priority, attempt int) error {
	if err := r.q.Ack(ctx, r.queueName, item.TaskID); err != nil {
		return fmt.Errorf("releasing claim before backoff requeue: %w", err)
	}
	delay := backoff.NextDelay(attempt)
	taskID, queueName := item.TaskID, r.queueName
	q, logger := r.q, r.logger
	time.AfterFunc(delay, func() {
		if err := q.Enqueue(context.Background(), queueName, taskID, priority); err != nil {
			logger.WithError(err).WithField("task_id", taskID).Error("requeueing after backoff")
		}
	})
	return nil
}

// ownerOf splits "org/repo" into an organization id and a synthetic
// installation id. The task record carries no installation reference of
// its own (the spec's Task entity stops at the repo full name), so the
// repository owner segment doubles as both: one installation per
// organization per provider is the simplifying assumption this worker
// makes until a dedicated installation lookup is wired in.
func ownerOf(repoFullName string) (organizationID, installationID string) {
	for i, c := range repoFullName {
		if c == '/' {
			return repoFullName[:i], repoFullName[:i]
		}
	}
	return repoFullName, repoFullName
}
