package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/wrenchbot/pkg/clock"
	"github.com/jordigilh/wrenchbot/pkg/metrics"
	"github.com/jordigilh/wrenchbot/pkg/observability"
	"github.com/jordigilh/wrenchbot/pkg/queue"
	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/taskstore"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// noopEffectRunner discards every effect it is not itself responsible
// for; used when the caller has not wired a collaborator notifier.
type noopEffectRunner struct{}

func (noopEffectRunner) Run(context.Context, types.Task, []statemachine.SideEffect) error { return nil }

// Config wires a Dispatcher to its collaborators. Effects handles every
// side effect the dispatcher does not perform itself (it owns the queue,
// so EffectEnqueuePlan/EffectEnqueueExecute are its own job); everything
// else — notifying chat, posting a plan artifact, updating the code host
// — is delegated so the dispatcher need not know about collaborator
// clients.
type Config struct {
	Secrets       map[string][]byte // SignatureSecretRef -> shared secret
	BotIdentities map[string]bool
	HighWater     int64
	Effects       statemachine.EffectRunner
	// Events records every transition the dispatcher drives. May be nil,
	// in which case transitions simply go unrecorded.
	Events *observability.Log
}

// Dispatcher binds registered handlers to HTTP paths and runs the
// per-request lifecycle described for the webhook endpoints: signature
// verification, parse, should_process, handle, and the resulting
// enqueue-task or transition-task action.
type Dispatcher struct {
	registry *Registry
	store    *taskstore.Store
	q        *queue.Queue
	clk      clock.Clock
	log      *logrus.Logger
	cfg      Config
}

// NewDispatcher builds a Dispatcher over registry, with tasks persisted
// to store and enqueued onto q.
func NewDispatcher(registry *Registry, store *taskstore.Store, q *queue.Queue, clk clock.Clock, log *logrus.Logger, cfg Config) *Dispatcher {
	if cfg.Effects == nil {
		cfg.Effects = noopEffectRunner{}
	}
	if cfg.BotIdentities == nil {
		cfg.BotIdentities = map[string]bool{}
	}
	return &Dispatcher{registry: registry, store: store, q: q, clk: clk, log: log, cfg: cfg}
}

// recordTransition appends to the event log if one is wired; logged and
// swallowed on failure since the transition itself already committed.
func (d *Dispatcher) recordTransition(ctx context.Context, taskID string, result statemachine.Result, event statemachine.Event) {
	if d.cfg.Events == nil {
		return
	}
	if err := d.cfg.Events.RecordTransition(ctx, taskID, result.From, result.To, event, result.Effects); err != nil {
		d.log.WithError(err).WithField("task_id", taskID).Warn("recording transition history")
	}
}

// response is the wire shape of every webhook endpoint reply.
type response struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServeHTTP implements the dispatcher's single entry point, bound per
// handler path by the caller's router.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	handler, ok := d.registry.Lookup(r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, response{Status: "error", Message: "unknown webhook path"})
		return
	}
	meta := handler.Metadata()

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		metrics.RecordWebhookRequest("read-error")
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Message: "could not read body"})
		return
	}

	if secret, required := d.cfg.Secrets[meta.SignatureSecretRef]; required && len(secret) > 0 {
		if !handler.VerifySignature(secret, body, r.Header) {
			metrics.RecordWebhookRequest("signature-mismatch")
			writeJSON(w, http.StatusUnauthorized, response{Status: "error", Message: "signature verification failed"})
			return
		}
	}

	record, ok := handler.Parse(body, r.Header)
	if !ok {
		metrics.RecordWebhookRequest("ignored")
		writeJSON(w, http.StatusOK, response{Status: "ignored", Message: "event family not handled"})
		return
	}

	if d.cfg.BotIdentities[record.ActorID] {
		metrics.RecordFilteredTask("loop-prevention")
		writeJSON(w, http.StatusOK, response{Status: "ignored", Message: "actor is the system's own bot identity"})
		return
	}

	if !handler.ShouldProcess(record) {
		metrics.RecordFilteredTask(meta.Name)
		writeJSON(w, http.StatusOK, response{Status: "ignored", Message: "filtered by handler"})
		return
	}

	action := handler.Handle(record)

	switch action.Kind {
	case ActionIgnored:
		writeJSON(w, http.StatusOK, response{Status: "ignored"})
		return
	case ActionEnqueueTask:
		d.handleEnqueue(ctx, w, record, action)
		return
	case ActionTransitionTask:
		d.handleTransition(ctx, w, action)
		return
	default:
		metrics.RecordWebhookRequest("internal-error")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "handler returned an unknown action"})
	}
}

func (d *Dispatcher) handleEnqueue(ctx context.Context, w http.ResponseWriter, record NormalizedRecord, action Action) {
	fingerprint := clock.Fingerprint(string(record.Provider), action.Target.RepoFullName, string(action.TaskKind), action.Target.Ref)

	existing, err := d.store.FindActiveByFingerprint(ctx, fingerprint)
	if err != nil {
		d.log.WithError(err).Error("checking fingerprint for duplicate task")
		metrics.RecordWebhookRequest("internal-error")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "could not check for duplicate task"})
		return
	}
	if existing != nil {
		metrics.RecordTaskDeduplicated()
		writeJSON(w, http.StatusOK, response{Status: "deduplicated", TaskID: existing.ID, Message: "task already in flight for this fingerprint"})
		return
	}

	depth, err := d.q.Depth(ctx, types.QueuePlan)
	if err != nil {
		d.log.WithError(err).Error("checking plan queue depth")
		metrics.RecordWebhookRequest("internal-error")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "could not check queue depth"})
		return
	}
	if d.cfg.HighWater > 0 && depth >= d.cfg.HighWater {
		metrics.RecordWebhookRequest("backpressure")
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "error", Message: "queue depth exceeds high-water mark"})
		return
	}

	now := d.clk.Now()
	result := statemachine.Create(false)
	task := types.Task{
		ID:          clock.NewTaskID(),
		Fingerprint: fingerprint,
		Origin:      types.Origin{Provider: record.Provider, EventID: record.EventID},
		Target:      action.Target,
		Kind:        action.TaskKind,
		Priority:    action.Priority,
		Status:      result.To,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	if err := d.store.Put(ctx, &task); err != nil {
		d.log.WithError(err).Error("persisting new task")
		metrics.RecordWebhookRequest("internal-error")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "could not persist task"})
		return
	}

	if err := d.q.Enqueue(ctx, types.QueuePlan, task.ID, task.Priority); err != nil {
		d.log.WithError(err).Error("enqueueing new task")
		metrics.RecordWebhookRequest("internal-error")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "could not enqueue task"})
		return
	}

	if err := d.cfg.Effects.Run(ctx, task, result.Effects); err != nil {
		d.log.WithError(err).Warn("running side effects for newly created task")
	}
	d.recordTransition(ctx, task.ID, result, statemachine.EventCreated)

	metrics.RecordTaskCreated()
	writeJSON(w, http.StatusOK, response{Status: "accepted", TaskID: task.ID})
}

func (d *Dispatcher) handleTransition(ctx context.Context, w http.ResponseWriter, action Action) {
	var result statemachine.Result
	task, err := d.store.Update(ctx, action.TaskID, func(t *types.Task) error {
		r, err := statemachine.Apply(t.Status, action.Event)
		if err != nil {
			return err
		}
		result = r
		t.Status = r.To
		if action.Feedback != "" {
			t.LastError = ""
		}
		return nil
	})
	if err != nil {
		d.log.WithError(err).WithField("task_id", action.TaskID).Error("applying command transition")
		metrics.RecordWebhookRequest("internal-error")
		writeJSON(w, http.StatusInternalServerError, response{Status: "error", Message: "could not apply command"})
		return
	}

	if err := d.cfg.Effects.Run(ctx, *task, result.Effects); err != nil {
		d.log.WithError(err).Warn("running side effects for command transition")
	}
	d.recordTransition(ctx, task.ID, result, action.Event)

	if result.To == types.StatusPlanning || result.To == types.StatusApproved {
		qn := types.QueuePlan
		if result.To == types.StatusApproved {
			qn = types.QueueExecute
		}
		if err := d.q.Enqueue(ctx, qn, task.ID, task.Priority); err != nil {
			d.log.WithError(err).WithField("task_id", task.ID).Error("enqueueing after command transition")
		}
	}

	writeJSON(w, http.StatusOK, response{Status: "ok", TaskID: task.ID})
}

func writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
