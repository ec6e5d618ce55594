// Package turn models the logical turn: one conversational beat that may span
// several raw messages, the side effects recorded against it, and the state
// machine that bounds what may happen to it. Turns are plain data and
// serialize across workflow step boundaries; all mutation must happen under
// the session mutex.
package turn

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/fabric/runtime/fabric/session"
)

// Status is the lifecycle state of a logical turn.
type Status string

const (
	// StatusAccumulating means the turn is still collecting raw messages.
	StatusAccumulating Status = "accumulating"
	// StatusProcessing means the Brain is (or is about to be) working on the turn.
	StatusProcessing Status = "processing"
	// StatusComplete is terminal: the Brain produced a response and the turn
	// was committed.
	StatusComplete Status = "complete"
	// StatusSuperseded is terminal: a successor turn replaced this one before
	// it completed.
	StatusSuperseded Status = "superseded"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusSuperseded }

// Policy classifies the reversibility of a side effect.
type Policy string

const (
	// PolicyReversible marks effects that can be undone outright.
	PolicyReversible Policy = "reversible"
	// PolicyIrreversible marks effects past which supersession is forbidden.
	PolicyIrreversible Policy = "irreversible"
	// PolicyIdempotent marks effects that are safe to repeat.
	PolicyIdempotent Policy = "idempotent"
	// PolicyCompensatable marks effects that require a compensating action.
	PolicyCompensatable Policy = "compensatable"
)

// Completion reasons recorded when a turn leaves ACCUMULATING.
const (
	ReasonTimeout        = "timeout"
	ReasonExplicit       = "explicit"
	ReasonNoAccumulation = "no_accumulation"
	ReasonCannotAbsorb   = "cannot_absorb"
)

var (
	// ErrTerminal indicates a mutation was attempted on a COMPLETE or
	// SUPERSEDED turn.
	ErrTerminal = errors.New("turn is terminal")

	// ErrCannotAbsorb indicates the turn refused a new message, either
	// because it is terminal or because an irreversible effect was recorded.
	ErrCannotAbsorb = errors.New("turn cannot absorb message")

	// ErrInvalidTransition indicates a forbidden status transition.
	ErrInvalidTransition = errors.New("invalid turn transition")
)

type (
	// SideEffect records one externally visible action executed during the
	// turn. Effects are appended in execution order and only while the turn
	// is PROCESSING.
	SideEffect struct {
		// EffectType names the kind of effect (for example "tool_execution").
		EffectType string
		// Policy is the reversibility classification of the effect.
		Policy Policy
		// ExecutedAt is when the effect ran.
		ExecutedAt time.Time
		// ToolName identifies the tool that produced the effect, when any.
		ToolName string
		// IdempotencyKey is the dedupe key the tool was invoked with.
		IdempotencyKey string
		// Details carries effect-specific metadata.
		Details map[string]any
	}

	// AccumulationHint is produced by the Brain at the end of a turn and
	// biases the accumulation wait of the next turn on the same session.
	AccumulationHint struct {
		// AwaitingRequiredField is set when the Brain asked the user for a
		// specific missing field.
		AwaitingRequiredField bool
		// ExpectsFollowup is set when the Brain anticipates another message.
		ExpectsFollowup bool
		// InputCompleteConfidence estimates, in [0,1], that the user's input
		// was complete.
		InputCompleteConfidence float64
		// ExpectedInputType names the kind of input the Brain expects next.
		ExpectedInputType string
	}

	// Turn is the logical turn record. See the package comment for mutation
	// rules.
	Turn struct {
		// ID uniquely identifies the turn. A SUPERSEDE successor gets a new ID.
		ID string
		// GroupID is the idempotency scope shared across a supersede chain. A
		// queued next turn gets a fresh one.
		GroupID string
		// SessionKey is the session the turn belongs to.
		SessionKey session.Key
		// Status is the current lifecycle state.
		Status Status
		// Messages lists the absorbed raw message IDs in admission order.
		Messages []string
		// FirstAt and LastAt bound the absorbed messages in time.
		FirstAt time.Time
		LastAt  time.Time
		// CompletionReason records why accumulation ended.
		CompletionReason string
		// PhaseArtifacts caches Brain phase outputs so ABSORB can replay from
		// an earlier phase. The fabric stores and truncates it, never reads it.
		PhaseArtifacts map[int]json.RawMessage
		// SideEffects lists recorded effects in execution order.
		SideEffects []SideEffect
		// ScenarioCheckpoint is set when the Brain marked a scenario
		// checkpoint, which counts as a commit point.
		ScenarioCheckpoint bool
		// SupersededBy and SupersededFrom link the supersede chain.
		SupersededBy   string
		SupersededFrom string
		// InterruptPoint records where processing was interrupted, when it was.
		InterruptPoint string
	}
)

// New creates a turn in ACCUMULATING holding its first admitted message. The
// turn gets fresh ID and group identifiers.
func New(key session.Key, messageID string, ts time.Time) *Turn {
	return NewWithIDs(key, uuid.NewString(), uuid.NewString(), messageID, ts)
}

// NewWithIDs creates a turn with caller-supplied identifiers. Durable
// workflows use it with deterministic IDs so replay produces the same turn.
func NewWithIDs(key session.Key, id, groupID, messageID string, ts time.Time) *Turn {
	return &Turn{
		ID:         id,
		GroupID:    groupID,
		SessionKey: key,
		Status:     StatusAccumulating,
		Messages:   []string{messageID},
		FirstAt:    ts,
		LastAt:     ts,
	}
}

// CanAbsorbMessage reports whether a new message may extend this turn:
// always while ACCUMULATING, while PROCESSING only until an irreversible
// effect is recorded, never once terminal.
func (t *Turn) CanAbsorbMessage() bool {
	switch t.Status {
	case StatusAccumulating:
		return true
	case StatusProcessing:
		return !t.HasIrreversibleEffect()
	default:
		return false
	}
}

// AbsorbMessage appends the message and advances LastAt. It fails with
// ErrCannotAbsorb when CanAbsorbMessage is false.
func (t *Turn) AbsorbMessage(messageID string, ts time.Time) error {
	if !t.CanAbsorbMessage() {
		return fmt.Errorf("%w: status=%s", ErrCannotAbsorb, t.Status)
	}
	t.Messages = append(t.Messages, messageID)
	if ts.After(t.LastAt) {
		t.LastAt = ts
	}
	return nil
}

// MarkProcessing transitions ACCUMULATING → PROCESSING and records why.
func (t *Turn) MarkProcessing(reason string) error {
	if t.Status != StatusAccumulating {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusProcessing)
	}
	t.Status = StatusProcessing
	t.CompletionReason = reason
	return nil
}

// MarkComplete transitions PROCESSING → COMPLETE.
func (t *Turn) MarkComplete() error {
	if t.Status != StatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusComplete)
	}
	t.Status = StatusComplete
	return nil
}

// MarkSuperseded terminalizes the turn in favor of the successor. Legal from
// ACCUMULATING and PROCESSING.
func (t *Turn) MarkSuperseded(successorID string) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusSuperseded)
	}
	t.Status = StatusSuperseded
	t.SupersededBy = successorID
	return nil
}

// AppendSideEffect records an effect on the turn. Effects may only be
// appended while PROCESSING; appending to a terminal turn fails with
// ErrTerminal.
func (t *Turn) AppendSideEffect(e SideEffect) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: cannot record side effect", ErrTerminal)
	}
	if t.Status != StatusProcessing {
		return fmt.Errorf("%w: side effects require processing status, got %s", ErrInvalidTransition, t.Status)
	}
	t.SideEffects = append(t.SideEffects, e)
	return nil
}

// HasIrreversibleEffect reports whether any recorded effect is irreversible.
func (t *Turn) HasIrreversibleEffect() bool {
	for _, e := range t.SideEffects {
		if e.Policy == PolicyIrreversible {
			return true
		}
	}
	return false
}

// MarkScenarioCheckpoint flags the turn as past a scenario checkpoint, which
// counts as a commit point even without irreversible effects.
func (t *Turn) MarkScenarioCheckpoint() error {
	if t.Status.Terminal() {
		return ErrTerminal
	}
	t.ScenarioCheckpoint = true
	return nil
}

// SetPhaseArtifact stores a Brain phase output on the turn.
func (t *Turn) SetPhaseArtifact(phase int, blob json.RawMessage) error {
	if t.Status.Terminal() {
		return ErrTerminal
	}
	if t.PhaseArtifacts == nil {
		t.PhaseArtifacts = make(map[int]json.RawMessage)
	}
	t.PhaseArtifacts[phase] = blob
	return nil
}

// TruncatePhaseArtifacts drops cached artifacts for phases >= from so the
// Brain replays from that phase after an ABSORB.
func (t *Turn) TruncatePhaseArtifacts(from int) {
	for phase := range t.PhaseArtifacts {
		if phase >= from {
			delete(t.PhaseArtifacts, phase)
		}
	}
}

// Clone returns a deep copy of the turn. Activities receive clones so a
// failed attempt cannot leak partial mutations into workflow state.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Messages = append([]string(nil), t.Messages...)
	cp.SideEffects = append([]SideEffect(nil), t.SideEffects...)
	if t.PhaseArtifacts != nil {
		cp.PhaseArtifacts = make(map[int]json.RawMessage, len(t.PhaseArtifacts))
		for k, v := range t.PhaseArtifacts {
			cp.PhaseArtifacts[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}
