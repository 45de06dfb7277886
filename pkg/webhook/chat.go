package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jordigilh/wrenchbot/pkg/command"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

func init() {
	Register(func() Handler { return &chatHandler{} })
}

// chatHandler normalizes command invocations and interactive button
// actions from the chat collaborator. Its signature scheme combines a
// request timestamp with the body, Slack-style, rather than a bare
// HMAC over the raw body.
type chatHandler struct{}

func (h *chatHandler) Metadata() Metadata {
	return Metadata{
		Name:               "chat",
		Path:               "/webhooks/chat",
		Description:        "command invocations and interactive button actions",
		SignatureSecretRef: "chat-webhook-secret",
		Enabled:            true,
	}
}

func (h *chatHandler) VerifySignature(secret, body []byte, headers map[string][]string) bool {
	timestamp := firstHeader(headers, "X-Chat-Request-Timestamp")
	sig := firstHeader(headers, "X-Chat-Signature")
	if timestamp == "" || sig == "" {
		return false
	}
	sig = strings.TrimPrefix(sig, "v0=")

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(fmt.Sprintf("v0:%s:%s", timestamp, body)))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

type chatPayload struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Text    string `json:"text"`
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
}

func (h *chatHandler) Parse(body []byte, headers map[string][]string) (NormalizedRecord, bool) {
	var payload chatPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return NormalizedRecord{}, false
	}
	if payload.Type != "command" && payload.Type != "button-action" {
		return NormalizedRecord{}, false
	}
	record := NormalizedRecord{
		Provider:    types.ProviderChat,
		EventID:     payload.Channel + ":" + payload.Text,
		ActorID:     payload.UserID,
		CommentText: payload.Text,
		TaskID:      payload.TaskID,
	}
	if err := record.Validate(); err != nil {
		return NormalizedRecord{}, false
	}
	return record, true
}

func (h *chatHandler) ShouldProcess(record NormalizedRecord) bool {
	return strings.TrimSpace(record.CommentText) != ""
}

func (h *chatHandler) Handle(record NormalizedRecord) Action {
	parsed := command.Parse(record.CommentText)
	result, err := command.Route(parsed, command.SurfaceChat, record.TaskID != "", types.Target{})
	if err != nil || result.Action == command.ActionHelp || result.Action == command.ActionStatusReport || result.Action == command.ActionDelegate {
		// status-report/delegate commands are replied to directly on the
		// surface and never reach the dispatcher's enqueue/transition set.
		return Action{Kind: ActionIgnored}
	}
	if result.Action == command.ActionEnqueueReview {
		return Action{Kind: ActionEnqueueTask, TaskKind: types.KindReview, Target: result.ReviewTarget, Priority: types.PriorityLow}
	}
	return Action{Kind: ActionTransitionTask, TaskID: record.TaskID, Event: result.Event, Feedback: result.Feedback}
}
