// Package webhook implements the registry and dispatcher that turn
// inbound collaborator events into typed work: each handler normalizes
// one provider's payload, decides whether it warrants processing, and
// either enqueues a new task or routes a command at an existing one.
package webhook

import (
	"github.com/go-playground/validator/v10"

	"github.com/jordigilh/wrenchbot/pkg/statemachine"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// validate enforces NormalizedRecord's shape before a handler's
// should_process/handle see it.
var validate = validator.New()

// NormalizedRecord is the handler-agnostic shape every provider payload
// is reduced to before should_process/handle run. Provider and EventID
// are required on every normalized record regardless of provider;
// RepoFullName/TaskID are populated only by handlers whose events are
// repo- or task-scoped and are left to each handler's own should_process
// to enforce.
type NormalizedRecord struct {
	Provider     types.Provider `validate:"required"`
	EventID      string         `validate:"required"`
	ActorID      string
	RepoFullName string
	Ref          string
	CommentText  string
	TaskID       string
}

// Validate reports whether r satisfies the shape every handler's Parse
// must produce.
func (r NormalizedRecord) Validate() error {
	return validate.Struct(r)
}

// ActionKind is what a handler decided to do with a normalized record.
type ActionKind string

const (
	ActionEnqueueTask    ActionKind = "enqueue-task"
	ActionTransitionTask ActionKind = "transition-task"
	ActionIgnored        ActionKind = "ignored"
)

// Action is the result of Handle: either a brand-new task to create, or
// a command to route at an existing one.
type Action struct {
	Kind     ActionKind
	TaskKind types.Kind
	Target   types.Target
	Priority types.Priority
	TaskID   string
	Event    statemachine.Event
	Feedback string
}

// Handler is one registered webhook source: a provider, an HTTP path, a
// signature scheme, and the parse/should-process/handle pipeline that
// turns its raw payload into an Action.
type Handler interface {
	// Metadata describes this handler for registry listing and binding.
	Metadata() Metadata

	// VerifySignature checks the raw body against the header-presented
	// signature using this handler's scheme. Optional-signature providers
	// return true for a delivery that carries no signature header.
	VerifySignature(secret []byte, body []byte, headers map[string][]string) bool

	// Parse reduces a raw payload to a NormalizedRecord, or returns
	// ok=false when the event family is not one this handler acts on.
	Parse(body []byte, headers map[string][]string) (NormalizedRecord, bool)

	// ShouldProcess applies provider-specific filtering (e.g. only
	// certain event subtypes) on top of loop prevention, which the
	// dispatcher already enforces before calling this.
	ShouldProcess(record NormalizedRecord) bool

	// Handle decides the Action for a record that passed ShouldProcess.
	Handle(record NormalizedRecord) Action
}

// Metadata is the registration record each handler declares.
type Metadata struct {
	Name                string
	Path                string
	Description         string
	SignatureSecretRef  string
	Enabled             bool
}
