// Package events defines the fabric's event vocabulary and the router that
// fans events out to pattern-matched listeners. Events are observability
// facts, not commands: publishing never blocks or fails the turn that
// produced them.
package events

import (
	"strings"
	"time"

	"goa.design/fabric/runtime/fabric/session"
)

// Type names an event. Types are dot-separated, category first, so listeners
// can subscribe to whole categories with "category.*".
type Type string

const (
	// TurnStarted fires when a logical turn transitions to PROCESSING.
	TurnStarted Type = "turn.started"
	// TurnCompleted fires when a logical turn reaches COMPLETE.
	TurnCompleted Type = "turn.completed"
	// TurnFailed fires when a turn's workflow fails permanently.
	TurnFailed Type = "turn.failed"
	// TurnSuperseded fires when a turn is replaced by a successor.
	TurnSuperseded Type = "turn.superseded"

	// MessageAbsorbed fires when a message joins an existing turn.
	MessageAbsorbed Type = "message.absorbed"
	// MessageQueued fires when a message is buffered for the next turn.
	MessageQueued Type = "message.queued"
	// MessageRejected fires when admission control refuses a message.
	MessageRejected Type = "message.rejected"

	// SupersedeRequested fires when a new message asks to preempt an
	// in-flight turn.
	SupersedeRequested Type = "supersede.requested"
	// SupersedeExecuted fires when the preemption actually happened.
	SupersedeExecuted Type = "supersede.executed"

	// CommitPointReached fires when a turn crosses its point of no return.
	CommitPointReached Type = "commit.point_reached"

	// ToolAuthorized fires when a tool call passed policy checks.
	ToolAuthorized Type = "tool.authorized"
	// ToolExecuted fires after a tool call ran.
	ToolExecuted Type = "tool.executed"
	// ToolFailed fires after a tool call errored.
	ToolFailed Type = "tool.failed"

	// SessionCreated fires on the first turn of a session key.
	SessionCreated Type = "session.created"
	// SessionResumed fires when a dormant session key sees traffic again.
	SessionResumed Type = "session.resumed"
	// SessionClosed fires when a session is administratively closed.
	SessionClosed Type = "session.closed"

	// MutexAcquired fires when a workflow wins the session mutex.
	MutexAcquired Type = "mutex.acquired"
	// MutexReleased fires when the mutex is released.
	MutexReleased Type = "mutex.released"
	// MutexExtended fires on a successful lease extension.
	MutexExtended Type = "mutex.extended"
)

// Category returns the portion of the type before the first dot.
func (t Type) Category() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// Event is a single fact about a session's lifecycle. Payload carries
// type-specific detail; the envelope fields are uniform so listeners can
// correlate without parsing payloads.
type Event struct {
	Type          Type
	SessionKey    session.Key
	LogicalTurnID string
	Timestamp     time.Time
	Payload       map[string]any
}

// TenantID returns the tenant component of the session key.
func (e Event) TenantID() string { return e.SessionKey.TenantID() }

// AgentID returns the agent component of the session key.
func (e Event) AgentID() string { return e.SessionKey.AgentID() }

// InterlocutorID returns the interlocutor component of the session key.
func (e Event) InterlocutorID() string { return e.SessionKey.InterlocutorID() }

// New builds an event stamped with the current time.
func New(t Type, key session.Key, turnID string, payload map[string]any) Event {
	return Event{
		Type:          t,
		SessionKey:    key,
		LogicalTurnID: turnID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// Match reports whether the event type satisfies the subscription pattern.
// Patterns are "*" (everything), "category.*" (one category), or an exact
// event type.
func Match(pattern string, t Type) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return t.Category() == strings.TrimSuffix(pattern, ".*")
	default:
		return pattern == string(t)
	}
}
