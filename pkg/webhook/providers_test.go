package webhook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/wrenchbot/pkg/types"
	"github.com/jordigilh/wrenchbot/pkg/webhook"
)

func lookup(t *testing.T, path string) webhook.Handler {
	t.Helper()
	registry := webhook.NewRegistry()
	h, ok := registry.Lookup(path)
	require.True(t, ok, "no handler registered at %s", path)
	return h
}

func TestRegistryRegistersAllFourProviderPaths(t *testing.T) {
	for _, path := range []string{
		"/webhooks/code-host", "/webhooks/issue-tracker", "/webhooks/chat", "/webhooks/error-reporter",
	} {
		lookup(t, path)
	}
}

func TestCodeHostParseIgnoresUnlistedEventTypes(t *testing.T) {
	h := lookup(t, "/webhooks/code-host")
	headers := map[string][]string{"X-GitHub-Event": {"push"}}
	_, ok := h.Parse([]byte(`{}`), headers)
	assert.False(t, ok)
}

func TestCodeHostParseNormalizesPullRequestOpened(t *testing.T) {
	h := lookup(t, "/webhooks/code-host")
	headers := map[string][]string{"X-GitHub-Event": {"pull_request"}, "X-GitHub-Delivery": {"d1"}}
	body := []byte(`{"action":"opened","sender":{"login":"alice"},"repository":{"full_name":"acme/widgets"},"pull_request":{"head":{"ref":"feature-x"}}}`)

	record, ok := h.Parse(body, headers)
	require.True(t, ok)
	assert.Equal(t, types.ProviderCodeHost, record.Provider)
	assert.Equal(t, "alice", record.ActorID)
	assert.Equal(t, "acme/widgets", record.RepoFullName)
	assert.Equal(t, "feature-x", record.Ref)

	action := h.Handle(record)
	assert.Equal(t, webhook.ActionEnqueueTask, action.Kind)
	assert.Equal(t, types.KindFix, action.TaskKind)
}

func TestCodeHostHandleRoutesAgentCommentsToTransition(t *testing.T) {
	h := lookup(t, "/webhooks/code-host")
	record := webhook.NormalizedRecord{
		Provider:     types.ProviderCodeHost,
		RepoFullName: "acme/widgets",
		CommentText:  "@agent approve",
		TaskID:       "task-1",
	}
	action := h.Handle(record)
	assert.Equal(t, webhook.ActionTransitionTask, action.Kind)
	assert.Equal(t, "task-1", action.TaskID)
}

func TestIssueTrackerParseRequiresKnownEvent(t *testing.T) {
	h := lookup(t, "/webhooks/issue-tracker")
	body := []byte(`{"webhookEvent":"jira:worklog_updated","issue":{"key":"PROJ-1"}}`)
	_, ok := h.Parse(body, nil)
	assert.False(t, ok)
}

func TestIssueTrackerParseNormalizesIssueCreated(t *testing.T) {
	h := lookup(t, "/webhooks/issue-tracker")
	body := []byte(`{"webhookEvent":"jira:issue_created","issue":{"key":"PROJ-1","fields":{"summary":"bug"}}}`)
	record, ok := h.Parse(body, nil)
	require.True(t, ok)
	assert.Equal(t, types.ProviderIssueTracker, record.Provider)
}

func TestChatParseRequiresCommandOrButtonType(t *testing.T) {
	h := lookup(t, "/webhooks/chat")
	body := []byte(`{"type":"message","text":"hi"}`)
	_, ok := h.Parse(body, nil)
	assert.False(t, ok)
}

func TestChatHandleRoutesApproveCommand(t *testing.T) {
	h := lookup(t, "/webhooks/chat")
	record := webhook.NormalizedRecord{CommentText: "@agent approve", TaskID: "task-1"}
	action := h.Handle(record)
	assert.Equal(t, webhook.ActionTransitionTask, action.Kind)
}

func TestErrorReporterParseIgnoresResolvedAction(t *testing.T) {
	h := lookup(t, "/webhooks/error-reporter")
	body := []byte(`{"action":"resolved","data":{"issue":{"id":"1","project":{"slug":"acme/widgets"}}}}`)
	_, ok := h.Parse(body, nil)
	assert.False(t, ok)
}

func TestErrorReporterParseEnqueuesFixForNewIssue(t *testing.T) {
	h := lookup(t, "/webhooks/error-reporter")
	body := []byte(`{"action":"created","data":{"issue":{"id":"1","project":{"slug":"acme/widgets"}}}}`)
	record, ok := h.Parse(body, nil)
	require.True(t, ok)

	action := h.Handle(record)
	assert.Equal(t, webhook.ActionEnqueueTask, action.Kind)
	assert.Equal(t, types.KindFix, action.TaskKind)
	assert.Equal(t, types.PriorityHigh, action.Priority)
}
