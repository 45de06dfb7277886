package webhook_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/wrenchbot/pkg/clock"
	"github.com/jordigilh/wrenchbot/pkg/queue"
	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/taskstore"
	"github.com/jordigilh/wrenchbot/pkg/types"
	"github.com/jordigilh/wrenchbot/pkg/webhook"
)

func TestWebhookSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Webhook Dispatcher Suite")
}

// fakeHandler is a minimal test double implementing webhook.Handler,
// used so dispatcher behavior can be exercised without depending on a
// real collaborator payload shape.
type fakeHandler struct {
	meta          webhook.Metadata
	verifyOK      bool
	parseRecord   webhook.NormalizedRecord
	parseOK       bool
	shouldProcess bool
	action        webhook.Action
}

func (f *fakeHandler) Metadata() webhook.Metadata { return f.meta }
func (f *fakeHandler) VerifySignature(secret, body []byte, headers map[string][]string) bool {
	return f.verifyOK
}
func (f *fakeHandler) Parse(body []byte, headers map[string][]string) (webhook.NormalizedRecord, bool) {
	return f.parseRecord, f.parseOK
}
func (f *fakeHandler) ShouldProcess(record webhook.NormalizedRecord) bool { return f.shouldProcess }
func (f *fakeHandler) Handle(record webhook.NormalizedRecord) webhook.Action { return f.action }

var _ = Describe("Dispatcher", func() {
	var (
		store    *taskstore.Store
		mockDB   sqlmock.Sqlmock
		sqlDB    *sql.DB
		q        *queue.Queue
		mr       *miniredis.Miniredis
		log      *logrus.Logger
		recorder *httptest.ResponseRecorder
	)

	BeforeEach(func() {
		var err error
		sqlDB, mockDB, err = sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		sqlxDB := sqlx.NewDb(sqlDB, "pgx")
		log = logrus.New()
		log.SetOutput(GinkgoWriter)
		store = taskstore.New(sqlxDB, log)

		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		q = queue.New(rdb, queue.Config{Visibility: time.Minute})

		recorder = httptest.NewRecorder()
	})

	AfterEach(func() {
		mr.Close()
		sqlDB.Close()
	})

	It("accepts a signed request and enqueues a new task", func() {
		handler := &fakeHandler{
			meta:          webhook.Metadata{Name: "fake", Path: "/webhooks/fake", SignatureSecretRef: "fake-secret", Enabled: true},
			verifyOK:      true,
			parseRecord:   webhook.NormalizedRecord{Provider: types.ProviderCodeHost, ActorID: "alice"},
			parseOK:       true,
			shouldProcess: true,
			action: webhook.Action{
				Kind:     webhook.ActionEnqueueTask,
				TaskKind: types.KindFix,
				Target:   types.Target{RepoFullName: "acme/widgets", Ref: "main"},
				Priority: types.PriorityNormal,
			},
		}
		registry := webhook.NewRegistryFromHandlers(handler)

		mockDB.ExpectQuery(`SELECT (.|\n)*FROM tasks\s+WHERE fingerprint = \$1`).
			WillReturnError(sql.ErrNoRows)
		mockDB.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(1, 1))

		d := webhook.NewDispatcher(registry, store, q, clock.RealClock{}, log, webhook.Config{
			Secrets: map[string][]byte{"fake-secret": []byte("shh")},
		})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader([]byte(`{}`)))
		d.ServeHTTP(recorder, req)

		Expect(recorder.Code).To(Equal(http.StatusOK))
		var resp struct {
			Status string `json:"status"`
			TaskID string `json:"task_id"`
		}
		Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("accepted"))
		Expect(resp.TaskID).NotTo(BeEmpty())

		Expect(mockDB.ExpectationsWereMet()).To(Succeed())
		depth, err := q.Depth(context.Background(), types.QueuePlan)
		Expect(err).NotTo(HaveOccurred())
		Expect(depth).To(Equal(int64(1)))
	})

	It("rejects a request with a bad signature", func() {
		handler := &fakeHandler{
			meta:     webhook.Metadata{Name: "fake", Path: "/webhooks/fake", SignatureSecretRef: "fake-secret", Enabled: true},
			verifyOK: false,
		}
		registry := webhook.NewRegistryFromHandlers(handler)
		d := webhook.NewDispatcher(registry, store, q, clock.RealClock{}, log, webhook.Config{
			Secrets: map[string][]byte{"fake-secret": []byte("shh")},
		})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader([]byte(`{}`)))
		d.ServeHTTP(recorder, req)

		Expect(recorder.Code).To(Equal(http.StatusUnauthorized))
	})

	It("ignores a record whose actor is a bot identity", func() {
		handler := &fakeHandler{
			meta:        webhook.Metadata{Name: "fake", Path: "/webhooks/fake", Enabled: true},
			verifyOK:    true,
			parseRecord: webhook.NormalizedRecord{ActorID: "wrenchbot[bot]"},
			parseOK:     true,
		}
		registry := webhook.NewRegistryFromHandlers(handler)
		d := webhook.NewDispatcher(registry, store, q, clock.RealClock{}, log, webhook.Config{
			BotIdentities: map[string]bool{"wrenchbot[bot]": true},
		})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader([]byte(`{}`)))
		d.ServeHTTP(recorder, req)

		Expect(recorder.Code).To(Equal(http.StatusOK))
		var resp struct {
			Status string `json:"status"`
		}
		Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("ignored"))
	})

	It("returns 503 once the plan queue is at its high-water mark", func() {
		Expect(q.Enqueue(context.Background(), types.QueuePlan, "existing-task", types.PriorityNormal)).To(Succeed())

		handler := &fakeHandler{
			meta:          webhook.Metadata{Name: "fake", Path: "/webhooks/fake", Enabled: true},
			verifyOK:      true,
			parseRecord:   webhook.NormalizedRecord{},
			parseOK:       true,
			shouldProcess: true,
			action: webhook.Action{
				Kind:     webhook.ActionEnqueueTask,
				TaskKind: types.KindFix,
				Target:   types.Target{RepoFullName: "acme/widgets"},
				Priority: types.PriorityNormal,
			},
		}
		registry := webhook.NewRegistryFromHandlers(handler)
		mockDB.ExpectQuery(`SELECT (.|\n)*FROM tasks\s+WHERE fingerprint = \$1`).WillReturnError(sql.ErrNoRows)

		d := webhook.NewDispatcher(registry, store, q, clock.RealClock{}, log, webhook.Config{HighWater: 1})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader([]byte(`{}`)))
		d.ServeHTTP(recorder, req)

		Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("deduplicates against an already-active fingerprint", func() {
		handler := &fakeHandler{
			meta:          webhook.Metadata{Name: "fake", Path: "/webhooks/fake", Enabled: true},
			verifyOK:      true,
			parseOK:       true,
			shouldProcess: true,
			action: webhook.Action{
				Kind:     webhook.ActionEnqueueTask,
				TaskKind: types.KindFix,
				Target:   types.Target{RepoFullName: "acme/widgets", Ref: "main"},
				Priority: types.PriorityNormal,
			},
		}
		registry := webhook.NewRegistryFromHandlers(handler)

		columns := []string{"id", "fingerprint", "origin_provider", "origin_event_id", "target_repo", "target_ref",
			"kind", "priority", "status", "created_at", "updated_at", "attempts", "last_error", "plan_ref", "pr_ref",
			"input_tokens", "output_tokens", "wall_time_secs", "monetary_cost", "version"}
		now := time.Now().UTC()
		mockDB.ExpectQuery(`SELECT (.|\n)*FROM tasks\s+WHERE fingerprint = \$1`).WillReturnRows(
			sqlmock.NewRows(columns).AddRow("existing-id", "fp", "code-host", "evt", "acme/widgets", "main",
				"fix", 1, "planning", now, now, 0, "", "", "", 0, 0, 0.0, 0.0, 1))

		d := webhook.NewDispatcher(registry, store, q, clock.RealClock{}, log, webhook.Config{})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader([]byte(`{}`)))
		d.ServeHTTP(recorder, req)

		Expect(recorder.Code).To(Equal(http.StatusOK))
		var resp struct {
			Status string `json:"status"`
			TaskID string `json:"task_id"`
		}
		Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal("deduplicated"))
		Expect(resp.TaskID).To(Equal("existing-id"))
	})

	It("applies a command transition and re-enqueues onto the execute queue", func() {
		handler := &fakeHandler{
			meta:          webhook.Metadata{Name: "fake", Path: "/webhooks/fake", Enabled: true},
			verifyOK:      true,
			parseOK:       true,
			shouldProcess: true,
			action: webhook.Action{
				Kind:   webhook.ActionTransitionTask,
				TaskID: "task-1",
				Event:  statemachine.EventApprove,
			},
		}
		registry := webhook.NewRegistryFromHandlers(handler)

		columns := []string{"id", "fingerprint", "origin_provider", "origin_event_id", "target_repo", "target_ref",
			"kind", "priority", "status", "created_at", "updated_at", "attempts", "last_error", "plan_ref", "pr_ref",
			"input_tokens", "output_tokens", "wall_time_secs", "monetary_cost", "version"}
		now := time.Now().UTC()
		mockDB.ExpectQuery(`SELECT (.|\n)*FROM tasks WHERE id = \$1`).WillReturnRows(
			sqlmock.NewRows(columns).AddRow("task-1", "fp", "code-host", "evt", "acme/widgets", "main",
				"fix", 1, "awaiting-approval", now, now, 0, "", "", "", 0, 0, 0.0, 0.0, 1))
		mockDB.ExpectExec(`UPDATE tasks SET`).WillReturnResult(sqlmock.NewResult(0, 1))

		d := webhook.NewDispatcher(registry, store, q, clock.RealClock{}, log, webhook.Config{})

		req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewReader([]byte(`{}`)))
		d.ServeHTTP(recorder, req)

		Expect(recorder.Code).To(Equal(http.StatusOK))
		depth, err := q.Depth(context.Background(), types.QueueExecute)
		Expect(err).NotTo(HaveOccurred())
		Expect(depth).To(Equal(int64(1)))
	})
})
