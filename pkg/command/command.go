// Package command turns free-form chat/comment text into typed state
// transitions, per the command table: approve/reject/improve drive the
// task state machine, status/help/ci-* delegate elsewhere, and
// ask/explain/find/discover spawn read-only review tasks.
package command

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// validate enforces the argument-shape constraints declared on
// ParsedCommand below before a command reaches the state machine.
var validate = validator.New()

// Name is a canonical command name.
type Name string

const (
	NameApprove  Name = "approve"
	NameReject   Name = "reject"
	NameImprove  Name = "improve"
	NameStatus   Name = "status"
	NameHelp     Name = "help"
	NameCIStatus Name = "ci-status"
	NameCILogs   Name = "ci-logs"
	NameRetryCI  Name = "retry-ci"
	NameAsk      Name = "ask"
	NameExplain  Name = "explain"
	NameFind     Name = "find"
	NameDiscover Name = "discover"
)

// aliasEntry groups every word that routes to one canonical command. The
// table is expressed this way, rather than as a flat map literal, so
// mustBuildAliasTable can catch a word accidentally claimed by two
// entries at startup instead of silently letting the later literal win.
type aliasEntry struct {
	canonical Name
	words     []string
}

var aliasTable = []aliasEntry{
	{NameApprove, []string{"approve", "lgtm", "ship-it", "go"}},
	{NameReject, []string{"reject", "no", "stop", "cancel"}},
	{NameImprove, []string{"improve"}},
	{NameStatus, []string{"status"}},
	{NameHelp, []string{"help"}},
	{NameCIStatus, []string{"ci-status"}},
	{NameCILogs, []string{"ci-logs"}},
	{NameRetryCI, []string{"retry-ci"}},
	{NameAsk, []string{"ask"}},
	{NameExplain, []string{"explain"}},
	{NameFind, []string{"find"}},
	{NameDiscover, []string{"discover"}},
}

// aliases maps every recognized alias (including canonical names) to its
// canonical Name, built once at package init from aliasTable.
var aliases = mustBuildAliasTable(aliasTable)

// buildAliasTable flattens entries into a lookup map, rejecting a word
// claimed by more than one entry.
func buildAliasTable(entries []aliasEntry) (map[string]Name, error) {
	table := make(map[string]Name)
	for _, entry := range entries {
		for _, word := range entry.words {
			if existing, ok := table[word]; ok {
				return nil, fmt.Errorf("alias %q claimed by both %s and %s", word, existing, entry.canonical)
			}
			table[word] = entry.canonical
		}
	}
	return table, nil
}

func mustBuildAliasTable(entries []aliasEntry) map[string]Name {
	table, err := buildAliasTable(entries)
	if err != nil {
		panic(err)
	}
	return table
}

// readOnlyCommands spawn a review-kind task rather than touching the
// state machine.
var readOnlyCommands = map[Name]bool{
	NameAsk:      true,
	NameExplain:  true,
	NameFind:     true,
	NameDiscover: true,
}

// delegatedCommands pass straight through to the code-host collaborator
// with no core state change.
var delegatedCommands = map[Name]bool{
	NameCIStatus: true,
	NameCILogs:   true,
	NameRetryCI:  true,
}

// Surface identifies where a command text originated.
type Surface string

const (
	SurfaceCodeHost     Surface = "code-host"
	SurfaceIssueTracker Surface = "issue-tracker"
	SurfaceChat         Surface = "chat"
)

// supportMatrix lists which surfaces each command may be issued from.
// Commands absent from the matrix are supported everywhere.
var supportMatrix = map[Name][]Surface{
	NameCIStatus: {SurfaceCodeHost},
	NameCILogs:   {SurfaceCodeHost},
	NameRetryCI:  {SurfaceCodeHost},
}

// ParsedCommand is the result of parsing free-form text.
type ParsedCommand struct {
	Name Name
	// Args is bounded so a pasted log dump or diff can't ride an
	// "@agent improve ..." comment straight into the feedback column.
	Args string `validate:"max=4000"`
	// Recognized is false when the text did not match any known alias;
	// Name is then NameHelp by convention ("unknown commands yield a
	// help response without mutating state").
	Recognized bool
}

// Parse extracts an optional "@agent" prefix, a command word, and the
// remaining argument text from a free-form comment or chat message.
func Parse(text string) ParsedCommand {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "@agent")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return ParsedCommand{Name: NameHelp, Recognized: false}
	}

	fields := strings.SplitN(trimmed, " ", 2)
	word := strings.ToLower(fields[0])
	args := ""
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}

	canonical, ok := aliases[word]
	if !ok {
		return ParsedCommand{Name: NameHelp, Args: trimmed, Recognized: false}
	}
	return ParsedCommand{Name: canonical, Args: args, Recognized: true}
}

// Action is what the router decided to do with a parsed command.
type Action string

const (
	ActionTransition Action = "transition"
	ActionEnqueueReview Action = "enqueue-review"
	ActionDelegate Action = "delegate"
	ActionStatusReport Action = "status-report"
	ActionHelp Action = "help"
)

// RouteResult is the router's decision for one parsed command.
type RouteResult struct {
	Action         Action
	Event          statemachine.Event
	Feedback       string
	ReviewTarget   types.Target
}

// ErrNoTaskInContext is returned when a command that requires a task id
// cannot resolve one from the surface context.
var ErrNoTaskInContext = fmt.Errorf("no-task-in-context")

// ErrUnsupportedSurface is returned when a command is issued from a
// surface it does not support.
var ErrUnsupportedSurface = fmt.Errorf("unsupported-surface")

// ErrArgsTooLong is returned when a command's argument text exceeds the
// bound ParsedCommand declares.
var ErrArgsTooLong = fmt.Errorf("args-too-long")

// Route decides what a parsed command should do. hasTaskInContext
// reports whether the caller could resolve a task id from the surface
// (e.g. the PR a comment is on); target is used only for read-only
// commands that spawn a new review task.
func Route(parsed ParsedCommand, surface Surface, hasTaskInContext bool, target types.Target) (RouteResult, error) {
	if err := validate.Struct(parsed); err != nil {
		return RouteResult{}, fmt.Errorf("%w: %v", ErrArgsTooLong, err)
	}

	if !parsed.Recognized {
		return RouteResult{Action: ActionHelp}, nil
	}

	if allowed, ok := supportMatrix[parsed.Name]; ok && !surfaceAllowed(allowed, surface) {
		return RouteResult{}, ErrUnsupportedSurface
	}

	switch parsed.Name {
	case NameApprove:
		if !hasTaskInContext {
			return RouteResult{}, ErrNoTaskInContext
		}
		return RouteResult{Action: ActionTransition, Event: statemachine.EventApprove}, nil
	case NameReject:
		if !hasTaskInContext {
			return RouteResult{}, ErrNoTaskInContext
		}
		return RouteResult{Action: ActionTransition, Event: statemachine.EventReject, Feedback: parsed.Args}, nil
	case NameImprove:
		if !hasTaskInContext {
			return RouteResult{}, ErrNoTaskInContext
		}
		return RouteResult{Action: ActionTransition, Event: statemachine.EventImprove, Feedback: parsed.Args}, nil
	case NameStatus:
		if !hasTaskInContext {
			return RouteResult{}, ErrNoTaskInContext
		}
		return RouteResult{Action: ActionStatusReport}, nil
	case NameHelp:
		return RouteResult{Action: ActionHelp}, nil
	}

	if delegatedCommands[parsed.Name] {
		if !hasTaskInContext {
			return RouteResult{}, ErrNoTaskInContext
		}
		return RouteResult{Action: ActionDelegate}, nil
	}

	if readOnlyCommands[parsed.Name] {
		return RouteResult{Action: ActionEnqueueReview, ReviewTarget: target}, nil
	}

	return RouteResult{Action: ActionHelp}, nil
}

func surfaceAllowed(allowed []Surface, surface Surface) bool {
	for _, s := range allowed {
		if s == surface {
			return true
		}
	}
	return false
}
