package webhook

import (
	"encoding/json"

	"github.com/jordigilh/wrenchbot/pkg/types"
)

func init() {
	Register(func() Handler { return &errorReporterHandler{} })
}

// errorReporterHandler normalizes issue-triggered alerts from an error
// reporting collaborator (e.g. a new or regressed exception group). It
// always enqueues a fix task; it never carries @agent commands.
type errorReporterHandler struct{}

func (h *errorReporterHandler) Metadata() Metadata {
	return Metadata{
		Name:               "error-reporter",
		Path:               "/webhooks/error-reporter",
		Description:        "issue-triggered alerts",
		SignatureSecretRef: "error-reporter-webhook-secret",
		Enabled:            true,
	}
}

func (h *errorReporterHandler) VerifySignature(secret, body []byte, headers map[string][]string) bool {
	sig := firstHeader(headers, "X-Error-Reporter-Signature")
	if sig == "" {
		return true
	}
	return VerifyHMACSHA256(secret, body, sig)
}

type errorReporterPayload struct {
	Action string `json:"action"`
	Data   struct {
		Issue struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Culprit string `json:"culprit"`
			Level   string `json:"level"`
			Project struct {
				Slug string `json:"slug"`
			} `json:"project"`
		} `json:"issue"`
	} `json:"data"`
}

func (h *errorReporterHandler) Parse(body []byte, headers map[string][]string) (NormalizedRecord, bool) {
	var payload errorReporterPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return NormalizedRecord{}, false
	}
	if payload.Action != "created" && payload.Action != "regression" {
		return NormalizedRecord{}, false
	}
	if payload.Data.Issue.ID == "" {
		return NormalizedRecord{}, false
	}
	record := NormalizedRecord{
		Provider:     types.ProviderErrorReporter,
		EventID:      payload.Data.Issue.ID,
		RepoFullName: payload.Data.Issue.Project.Slug,
	}
	if err := record.Validate(); err != nil {
		return NormalizedRecord{}, false
	}
	return record, true
}

func (h *errorReporterHandler) ShouldProcess(record NormalizedRecord) bool {
	return record.RepoFullName != ""
}

func (h *errorReporterHandler) Handle(record NormalizedRecord) Action {
	return Action{
		Kind:     ActionEnqueueTask,
		TaskKind: types.KindFix,
		Target:   types.Target{RepoFullName: record.RepoFullName},
		Priority: types.PriorityHigh,
	}
}
