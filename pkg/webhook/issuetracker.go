package webhook

import (
	"encoding/json"
	"strings"

	"github.com/jordigilh/wrenchbot/pkg/command"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func init() {
	Register(func() Handler { return &issueTrackerHandler{} })
}

// issueTrackerHandler normalizes ticket created/updated/transitioned
// events. Signature verification is optional per installation: the
// dispatcher calls VerifySignature only when a secret is configured, and
// VerifySignature accepts a delivery with no X-Webhook-Signature header
// even then, checking HMAC-SHA256 only when the header is present.
type issueTrackerHandler struct{}

func (h *issueTrackerHandler) Metadata() Metadata {
	return Metadata{
		Name:               "issue-tracker",
		Path:               "/webhooks/issue-tracker",
		Description:        "ticket created/updated/transitioned events",
		SignatureSecretRef: "issue-tracker-webhook-secret",
		Enabled:            true,
	}
}

func (h *issueTrackerHandler) VerifySignature(secret, body []byte, headers map[string][]string) bool {
	sig := firstHeader(headers, "X-Webhook-Signature")
	if sig == "" {
		return true
	}
	return VerifyHMACSHA256(secret, body, sig)
}

type issueTrackerPayload struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        struct {
		Key    string `json:"key"`
		Fields struct {
			Summary string `json:"summary"`
			Labels  []string `json:"labels"`
		} `json:"fields"`
	} `json:"issue"`
	Comment struct {
		Body   string `json:"body"`
		Author struct {
			AccountID string `json:"accountId"`
		} `json:"author"`
	} `json:"comment"`
	ChangelogTransition string `json:"transition"`
}

func (h *issueTrackerHandler) Parse(body []byte, headers map[string][]string) (NormalizedRecord, bool) {
	var payload issueTrackerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return NormalizedRecord{}, false
	}
	if payload.Issue.Key == "" {
		return NormalizedRecord{}, false
	}

	switch payload.WebhookEvent {
	case "jira:issue_created", "jira:issue_updated", "comment_created":
	default:
		return NormalizedRecord{}, false
	}

	record := NormalizedRecord{
		Provider:     types.ProviderIssueTracker,
		EventID:      payload.Issue.Key + ":" + payload.WebhookEvent,
		ActorID:      payload.Comment.Author.AccountID,
		RepoFullName: "",
		CommentText:  payload.Comment.Body,
	}
	if err := record.Validate(); err != nil {
		return NormalizedRecord{}, false
	}
	return record, true
}

func (h *issueTrackerHandler) ShouldProcess(record NormalizedRecord) bool {
	return record.EventID != ""
}

func (h *issueTrackerHandler) Handle(record NormalizedRecord) Action {
	if strings.HasPrefix(strings.TrimSpace(record.CommentText), "@agent") {
		parsed := command.Parse(record.CommentText)
		result, err := command.Route(parsed, command.SurfaceIssueTracker, record.TaskID != "", types.Target{RepoFullName: record.RepoFullName})
		if err != nil || result.Action == command.ActionHelp || result.Action == command.ActionStatusReport || result.Action == command.ActionDelegate {
			return Action{Kind: ActionIgnored}
		}
		if result.Action == command.ActionEnqueueReview {
			return Action{Kind: ActionEnqueueTask, TaskKind: types.KindReview, Target: result.ReviewTarget, Priority: types.PriorityLow}
		}
		return Action{Kind: ActionTransitionTask, TaskID: record.TaskID, Event: result.Event, Feedback: result.Feedback}
	}

	return Action{
		Kind:     ActionEnqueueTask,
		TaskKind: types.KindEnrich,
		Target:   types.Target{RepoFullName: record.RepoFullName},
		Priority: types.PriorityNormal,
	}
}
