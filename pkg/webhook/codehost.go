package webhook

import (
	"encoding/json"
	"strings"

	"github.com/jordigilh/wrenchbot/pkg/command"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func init() {
	Register(func() Handler { return &codeHostHandler{} })
}

// codeHostHandler normalizes PR, issue-comment and review events from
// the code-host collaborator. Comments starting with "@agent" route
// through the command parser; opened/reopened PRs, other comments, and
// reviews in the changes_requested or commented state enqueue new fix
// tasks. Other PR actions and review states are not handled.
type codeHostHandler struct{}

func (h *codeHostHandler) Metadata() Metadata {
	return Metadata{
		Name:               "code-host",
		Path:               "/webhooks/code-host",
		Description:        "PR events, issue-comment events, review events",
		SignatureSecretRef: "code-host-webhook-secret",
		Enabled:            true,
	}
}

func (h *codeHostHandler) VerifySignature(secret, body []byte, headers map[string][]string) bool {
	return VerifyHMACSHA256(secret, body, firstHeader(headers, "X-Hub-Signature-256"))
}

type codeHostPayload struct {
	Action string `json:"action"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Comment struct {
		Body string `json:"body"`
	} `json:"comment"`
	Review struct {
		State string `json:"state"`
		Body  string `json:"body"`
	} `json:"review"`
	eventType string
}

func (h *codeHostHandler) Parse(body []byte, headers map[string][]string) (NormalizedRecord, bool) {
	eventType := firstHeader(headers, "X-GitHub-Event")
	deliveryID := firstHeader(headers, "X-GitHub-Delivery")
	if eventType == "" {
		return NormalizedRecord{}, false
	}

	var payload codeHostPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return NormalizedRecord{}, false
	}

	record := NormalizedRecord{
		Provider:     types.ProviderCodeHost,
		EventID:      deliveryID,
		ActorID:      payload.Sender.Login,
		RepoFullName: payload.Repository.FullName,
		Ref:          payload.PullRequest.Head.Ref,
	}

	switch eventType {
	case "pull_request":
		if payload.Action != "opened" && payload.Action != "reopened" {
			return NormalizedRecord{}, false
		}
	case "issue_comment", "pull_request_review_comment":
		record.CommentText = payload.Comment.Body
	case "pull_request_review":
		if payload.Review.State != "changes_requested" && payload.Review.State != "commented" {
			return NormalizedRecord{}, false
		}
		record.CommentText = payload.Review.Body
	default:
		return NormalizedRecord{}, false
	}

	if err := record.Validate(); err != nil {
		return NormalizedRecord{}, false
	}
	return record, true
}

func (h *codeHostHandler) ShouldProcess(record NormalizedRecord) bool {
	return record.RepoFullName != ""
}

func (h *codeHostHandler) Handle(record NormalizedRecord) Action {
	if strings.HasPrefix(strings.TrimSpace(record.CommentText), "@agent") {
		parsed := command.Parse(record.CommentText)
		result, err := command.Route(parsed, command.SurfaceCodeHost, record.TaskID != "", types.Target{RepoFullName: record.RepoFullName, Ref: record.Ref})
		if err != nil || result.Action == command.ActionHelp || result.Action == command.ActionStatusReport || result.Action == command.ActionDelegate {
			return Action{Kind: ActionIgnored}
		}
		if result.Action == command.ActionEnqueueReview {
			return Action{
				Kind:     ActionEnqueueTask,
				TaskKind: types.KindReview,
				Target:   result.ReviewTarget,
				Priority: types.PriorityLow,
			}
		}
		return Action{Kind: ActionTransitionTask, TaskID: record.TaskID, Event: result.Event, Feedback: result.Feedback}
	}

	return Action{
		Kind:     ActionEnqueueTask,
		TaskKind: types.KindFix,
		Target:   types.Target{RepoFullName: record.RepoFullName, Ref: record.Ref},
		Priority: types.PriorityNormal,
	}
}

func firstHeader(headers map[string][]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
