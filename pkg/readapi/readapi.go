// Package readapi exposes the orchestrator's state for dashboards and
// operators: task listing/detail, live log tailing, per-task status, the
// declared agent roster, and a metrics mirror. It never mutates a task —
// every write still goes through pkg/webhook or the command surfaces.
package readapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/wrenchbot/pkg/logchannel"
	"github.com/jordigilh/wrenchbot/pkg/observability"
	"github.com/jordigilh/wrenchbot/pkg/taskstore"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

const defaultListLimit = 50
const defaultLogLimit = 100

// AgentDescriptor is the static metadata for one declared agent returned by
// GET /agents.
type AgentDescriptor struct {
	Name     string   `json:"name"`
	Provider string   `json:"provider"`
	Stages   []string `json:"stages"`
}

// Config wires an API to its collaborators and its CORS/roster policy.
type Config struct {
	AllowedOrigins []string
	Agents         []AgentDescriptor
}

// API is the chi-routed Read API surface.
type API struct {
	router chi.Router
	store  *taskstore.Store
	events *observability.Log
	logs   *logchannel.Channel
	cfg    Config
	log    *logrus.Logger
}

// New builds an API backed by store, events and logs.
func New(store *taskstore.Store, events *observability.Log, logs *logchannel.Channel, cfg Config, log *logrus.Logger) *API {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	a := &API{store: store, events: events, logs: logs, cfg: cfg, log: log}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/tasks", a.listTasks)
	r.Get("/tasks/{id}", a.getTask)
	r.Get("/tasks/{id}/logs", a.getLogs)
	r.Get("/tasks/{id}/status", a.getStatus)
	r.Get("/agents", a.listAgents)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	a.router = r

	return a
}

// ServeHTTP lets an API be mounted directly on any net/http server or as a
// sub-route of a larger router.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// taskView is the wire shape of a task in list/detail responses.
type taskView struct {
	ID          string    `json:"id"`
	TargetRepo  string    `json:"target_repo"`
	TargetRef   string    `json:"target_ref,omitempty"`
	Kind        string    `json:"kind"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	PlanRef     string    `json:"plan_ref,omitempty"`
	PRRef       string    `json:"pr_ref,omitempty"`
	Usage       usageView `json:"usage"`
}

type usageView struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	WallTimeSecs float64 `json:"wall_time_secs"`
	MonetaryCost float64 `json:"monetary_cost"`
}

func toTaskView(t types.Task) taskView {
	return taskView{
		ID:         t.ID,
		TargetRepo: t.Target.RepoFullName,
		TargetRef:  t.Target.Ref,
		Kind:       string(t.Kind),
		Priority:   int(t.Priority),
		Status:     string(t.Status),
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		Attempts:   t.Attempts,
		LastError:  t.LastError,
		PlanRef:    t.PlanRef,
		PRRef:      t.PRRef,
		Usage: usageView{
			InputTokens:  t.Usage.InputTokens,
			OutputTokens: t.Usage.OutputTokens,
			WallTimeSecs: t.Usage.WallTimeSecs,
			MonetaryCost: t.Usage.MonetaryCost,
		},
	}
}

type listTasksResponse struct {
	Tasks      []taskView `json:"tasks"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// listTasks handles GET /tasks?status=&repo=&cursor=&limit=. The provider
// and actor/date-range filters the comment surfaces accept are not yet
// backed by taskstore.Filter; status and repo are honored, everything else
// is ignored rather than rejected.
func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := taskstore.Filter{
		Status:     types.Status(q.Get("status")),
		TargetRepo: q.Get("repo"),
	}
	limit := parseIntDefault(q.Get("limit"), defaultListLimit)

	tasks, nextCursor, err := a.store.List(r.Context(), filter, q.Get("cursor"), limit)
	if err != nil {
		a.log.WithError(err).Error("listing tasks")
		writeError(w, http.StatusInternalServerError, "could not list tasks")
		return
	}

	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = toTaskView(t)
	}
	writeJSON(w, http.StatusOK, listTasksResponse{Tasks: views, NextCursor: nextCursor})
}

type executionView struct {
	AgentName    string     `json:"agent_name"`
	SessionID    string     `json:"session_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	Usage        usageView  `json:"usage"`
	NextAgent    string     `json:"next_agent,omitempty"`
}

type taskDetailResponse struct {
	Task       taskView        `json:"task"`
	Executions []executionView `json:"executions"`
}

// getTask handles GET /tasks/{id}, folding in the task's execution chain
// when an observability.Log is wired.
func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := a.store.Get(r.Context(), id)
	if err != nil {
		if err == taskstore.ErrNotFound {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		a.log.WithError(err).WithField("task_id", id).Error("loading task")
		writeError(w, http.StatusInternalServerError, "could not load task")
		return
	}

	resp := taskDetailResponse{Task: toTaskView(*task)}
	if a.events != nil {
		executions, err := a.events.Executions(r.Context(), id)
		if err != nil {
			a.log.WithError(err).WithField("task_id", id).Warn("loading execution history")
		} else {
			resp.Executions = make([]executionView, len(executions))
			for i, e := range executions {
				resp.Executions[i] = executionView{
					AgentName:  e.AgentName,
					SessionID:  e.SessionID,
					StartedAt:  e.StartedAt,
					FinishedAt: e.FinishedAt,
					Outcome:    string(e.Outcome),
					NextAgent:  e.NextAgent,
					Usage: usageView{
						InputTokens:  e.Usage.InputTokens,
						OutputTokens: e.Usage.OutputTokens,
						WallTimeSecs: e.Usage.WallTimeSecs,
						MonetaryCost: e.Usage.MonetaryCost,
					},
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type logEntryView struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
}

type logsResponse struct {
	Entries    []logEntryView `json:"entries"`
	NextOffset int64          `json:"next_offset"`
	Total      int64          `json:"total"`
	HasMore    bool           `json:"has_more"`
}

// getLogs handles GET /tasks/{id}/logs?offset=&limit=&follow=. follow=true
// is accepted as a hint that the caller intends to reconnect with the
// returned next_offset; it does not change this response's shape.
func (a *API) getLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()
	offset := parseIntDefault(q.Get("offset"), 0)
	limit := parseIntDefault(q.Get("limit"), defaultLogLimit)

	result, err := a.logs.Read(r.Context(), id, int64(offset), int64(limit))
	if err != nil {
		a.log.WithError(err).WithField("task_id", id).Error("reading log channel")
		writeError(w, http.StatusInternalServerError, "could not read logs")
		return
	}

	entries := make([]logEntryView, len(result.Entries))
	for i, e := range result.Entries {
		entries[i] = logEntryView{
			Sequence:  e.Sequence,
			Timestamp: e.Timestamp,
			Stream:    string(e.Stream),
			Message:   e.Message,
		}
	}
	writeJSON(w, http.StatusOK, logsResponse{
		Entries:    entries,
		NextOffset: result.NextOffset,
		Total:      result.Total,
		HasMore:    result.HasMore,
	})
}

type statusResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// getStatus handles GET /tasks/{id}/status, the minimal document a poller
// can cheaply request on a tight interval without paying for the full
// task/execution payload.
func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := a.store.Get(r.Context(), id)
	if err != nil {
		if err == taskstore.ErrNotFound {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		a.log.WithError(err).WithField("task_id", id).Error("loading task status")
		writeError(w, http.StatusInternalServerError, "could not load task status")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ID:        task.ID,
		Status:    string(task.Status),
		Attempts:  task.Attempts,
		LastError: task.LastError,
	})
}

type agentsResponse struct {
	Agents []AgentDescriptor `json:"agents"`
}

// listAgents handles GET /agents, returning the roster this process was
// configured with. It is informational: nothing here governs dispatch, that
// is internal/config and pkg/agent's job.
func (a *API) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := a.cfg.Agents
	if agents == nil {
		agents = []AgentDescriptor{}
	}
	writeJSON(w, http.StatusOK, agentsResponse{Agents: agents})
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
