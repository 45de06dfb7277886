// Package statemachine enforces legal task status transitions and fans
// out the side effects each transition implies (enqueue, notify, record).
// The task store is the only caller permitted to mutate status, and it
// must route every change through this package.
package statemachine

import (
	"context"
	"fmt"

	sharederrors "github.com/jordigilh/wrenchbot/pkg/shared/errors"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// Event names the trigger driving a transition.
type Event string

const (
	EventCreated             Event = "created"
	EventWorkerClaim         Event = "worker-claim"
	EventSubprocessSuccess   Event = "subprocess-success"
	EventSubprocessRetryable Event = "subprocess-failure-retryable"
	EventSubprocessFatal     Event = "subprocess-failure-fatal"
	EventApprove             Event = "approve-command"
	EventImprove             Event = "improve-command"
	EventReject              Event = "reject-command"
	EventMaxRetries          Event = "max-retries"
)

// SideEffect names a fan-out action a transition requires its caller to
// perform. The state machine itself is pure: it returns the list of
// effects to perform, it does not perform them.
type SideEffect string

const (
	EffectEnqueuePlan          SideEffect = "enqueue-plan"
	EffectEnqueueExecute       SideEffect = "enqueue-execute"
	EffectBeginExecutionRecord SideEffect = "begin-execution-record"
	EffectPostPlanArtifact     SideEffect = "post-plan-artifact"
	EffectNotifyChat           SideEffect = "notify-chat"
	EffectUpdateCodeHost       SideEffect = "update-code-host"
	EffectRequeueWithBackoff   SideEffect = "requeue-with-backoff"
)

// transitionKey is (current status, event).
type transitionKey struct {
	from  types.Status
	event Event
}

type transitionRule struct {
	to      types.Status
	effects []SideEffect
}

// table encodes the legal-transition graph from the task state machine.
var table = map[transitionKey]transitionRule{
	{types.StatusQueued, EventWorkerClaim}: {
		to:      types.StatusPlanning,
		effects: []SideEffect{EffectBeginExecutionRecord},
	},
	{types.StatusPlanning, EventSubprocessSuccess}: {
		to:      types.StatusAwaitingApproval,
		effects: []SideEffect{EffectPostPlanArtifact, EffectNotifyChat},
	},
	{types.StatusPlanning, EventSubprocessRetryable}: {
		to:      types.StatusQueued,
		effects: []SideEffect{EffectRequeueWithBackoff},
	},
	{types.StatusPlanning, EventMaxRetries}: {
		to:      types.StatusFailed,
		effects: []SideEffect{EffectNotifyChat},
	},
	{types.StatusPlanning, EventSubprocessFatal}: {
		to:      types.StatusFailed,
		effects: []SideEffect{EffectNotifyChat},
	},
	{types.StatusAwaitingApproval, EventApprove}: {
		to:      types.StatusApproved,
		effects: []SideEffect{EffectEnqueueExecute},
	},
	{types.StatusAwaitingApproval, EventImprove}: {
		to:      types.StatusPlanning,
		effects: []SideEffect{EffectEnqueuePlan},
	},
	{types.StatusAwaitingApproval, EventReject}: {
		to:      types.StatusRejected,
		effects: []SideEffect{EffectNotifyChat},
	},
	{types.StatusApproved, EventWorkerClaim}: {
		to:      types.StatusExecuting,
		effects: []SideEffect{EffectBeginExecutionRecord},
	},
	{types.StatusExecuting, EventSubprocessSuccess}: {
		to:      types.StatusCompleted,
		effects: []SideEffect{EffectUpdateCodeHost, EffectNotifyChat},
	},
	{types.StatusExecuting, EventSubprocessRetryable}: {
		to:      types.StatusQueued,
		effects: []SideEffect{EffectRequeueWithBackoff},
	},
	{types.StatusExecuting, EventMaxRetries}: {
		to:      types.StatusFailed,
		effects: []SideEffect{EffectNotifyChat},
	},
	{types.StatusExecuting, EventSubprocessFatal}: {
		to:      types.StatusFailed,
		effects: []SideEffect{EffectNotifyChat},
	},
}

// ErrIllegalTransition is returned when an event is not legal from a
// status, e.g. a reject after an approve already moved the task on.
type ErrIllegalTransition struct {
	From  types.Status
	Event Event
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal-transition: %s does not admit %s", e.From, e.Event)
}

// Result is the outcome of applying an event: the new status and the
// side effects the caller must now perform.
type Result struct {
	From    types.Status
	To      types.Status
	Effects []SideEffect
}

// EffectRunner performs the side effects computed by Apply/Create. The
// state machine stays pure — it never performs I/O itself — so every
// caller that mutates a task through it must supply one.
type EffectRunner interface {
	Run(ctx context.Context, task types.Task, effects []SideEffect) error
}

// Apply computes the transition for (from, event). It never mutates a
// task itself; the task store applies Result.To under optimistic
// concurrency and then performs Result.Effects.
func Apply(from types.Status, event Event) (Result, error) {
	if from.IsTerminal() {
		return Result{}, &ErrIllegalTransition{From: from, Event: event}
	}
	if event == EventSubprocessFatal || event == EventMaxRetries {
		// Any non-terminal status may fail fatally or exhaust retries.
		rule, ok := table[transitionKey{from, event}]
		if !ok {
			return Result{From: from, To: types.StatusFailed, Effects: []SideEffect{EffectNotifyChat}}, nil
		}
		return Result{From: from, To: rule.to, Effects: rule.effects}, nil
	}
	rule, ok := table[transitionKey{from, event}]
	if !ok {
		return Result{}, &ErrIllegalTransition{From: from, Event: event}
	}
	return Result{From: from, To: rule.to, Effects: rule.effects}, nil
}

// Create computes the initial transition for a freshly-created task: it
// either lands in queued (and must be enqueued into plan), or in
// deduplicated if the caller detected a fingerprint collision.
func Create(duplicate bool) Result {
	if duplicate {
		return Result{To: types.StatusDeduplicated}
	}
	return Result{To: types.StatusQueued, Effects: []SideEffect{EffectEnqueuePlan}}
}

// ValidatePath reports whether a sequence of statuses forms a legal path
// through the machine, ignoring the events that produced it. Used by
// tests and audits to check a task's recorded history.
func ValidatePath(path []types.Status) error {
	for i := 1; i < len(path); i++ {
		from, to := path[i-1], path[i]
		if from.IsTerminal() {
			return sharederrors.Wrapf(
				&ErrIllegalTransition{From: from, Event: "replayed-history"},
				"validating status path at index %d", i,
			)
		}
		if !legalStep(from, to) {
			return &ErrIllegalTransition{From: from, Event: Event(fmt.Sprintf("->%s", to))}
		}
	}
	return nil
}

func legalStep(from, to types.Status) bool {
	for k, rule := range table {
		if k.from == from && rule.to == to {
			return true
		}
	}
	if from == types.StatusQueued && (to == types.StatusDeduplicated) {
		return true
	}
	return false
}
