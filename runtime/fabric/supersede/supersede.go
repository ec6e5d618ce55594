// Package supersede enforces what happens when a new message arrives for a
// session whose turn is already in flight: replace the turn, extend it, queue
// the message, or let the turn finish.
package supersede

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/fabric/runtime/fabric/commit"
	"goa.design/fabric/runtime/fabric/turn"
)

// Action is the outcome chosen for an in-flight turn facing a new message.
type Action string

const (
	// ActionSupersede cancels the current turn in favor of a fresh successor.
	ActionSupersede Action = "supersede"
	// ActionAbsorb extends the current turn with the new message.
	ActionAbsorb Action = "absorb"
	// ActionQueue buffers the message for a new turn after the current one
	// completes.
	ActionQueue Action = "queue"
	// ActionForceComplete lets the current turn finish; the message is
	// dropped or redelivered per channel policy.
	ActionForceComplete Action = "force_complete"
)

var (
	// ErrSupersedeRejected indicates a SUPERSEDE or ABSORB was requested on a
	// turn that is past its commit point or terminal.
	ErrSupersedeRejected = errors.New("supersede rejected")

	// ErrUnknownAction indicates a decision carried an unrecognized action.
	ErrUnknownAction = errors.New("unknown supersede action")
)

type (
	// Decision is what the Brain (or the default policy) chose to do with the
	// new message.
	Decision struct {
		// Action selects the enforcement path.
		Action Action
		// Reason is free text recorded for diagnostics.
		Reason string
		// AbsorbStrategy optionally names how the Brain wants the absorbed
		// message folded in. The fabric stores it, never interprets it.
		AbsorbStrategy string
		// RestartFromPhase, when set on ABSORB, truncates cached phase
		// artifacts so the Brain replays from that phase.
		RestartFromPhase *int
	}

	// Coordinator applies decisions to turns under the session mutex.
	Coordinator struct {
		tracker *commit.Tracker
	}
)

// NewCoordinator builds a coordinator that consults the tracker for commit
// points.
func NewCoordinator(tracker *commit.Tracker) *Coordinator {
	return &Coordinator{tracker: tracker}
}

// CanSupersede reports whether the turn may still be replaced: always while
// ACCUMULATING, while PROCESSING only before the commit point, never once
// terminal.
func (c *Coordinator) CanSupersede(tn *turn.Turn) bool {
	switch tn.Status {
	case turn.StatusAccumulating:
		return true
	case turn.StatusProcessing:
		return !c.tracker.HasReachedCommitPoint(tn)
	default:
		return false
	}
}

// DefaultDecision is the policy applied when the Brain is not
// supersede-capable: absorb while accumulating, supersede while processing
// before the commit point, queue after it.
func (c *Coordinator) DefaultDecision(tn *turn.Turn) Decision {
	switch {
	case tn.Status == turn.StatusAccumulating:
		return Decision{Action: ActionAbsorb, Reason: "default: accumulating"}
	case tn.Status == turn.StatusProcessing && c.CanSupersede(tn):
		return Decision{Action: ActionSupersede, Reason: "default: fresh input preempts"}
	default:
		return Decision{Action: ActionQueue, Reason: "default: past commit point"}
	}
}

// EnforceDecision applies the decision for the new message and returns the
// turn the workflow should continue with: the mutated current turn for
// ABSORB / QUEUE / FORCE_COMPLETE, or a fresh successor for SUPERSEDE.
//
// The successor of a SUPERSEDE keeps the predecessor's group ID so tools
// already executed in the chain stay deduped; its ID is caller-supplied via
// successorID so durable workflows can keep replay deterministic (empty means
// generate one).
func (c *Coordinator) EnforceDecision(
	d Decision,
	current *turn.Turn,
	newMessageID string,
	newMessageTS time.Time,
	successorID string,
) (*turn.Turn, error) {
	switch d.Action {
	case ActionAbsorb:
		if !current.CanAbsorbMessage() {
			return nil, fmt.Errorf("%w: absorb on %s turn", ErrSupersedeRejected, current.Status)
		}
		if err := current.AbsorbMessage(newMessageID, newMessageTS); err != nil {
			return nil, err
		}
		if d.RestartFromPhase != nil {
			current.TruncatePhaseArtifacts(*d.RestartFromPhase)
		}
		return current, nil

	case ActionSupersede:
		if !c.CanSupersede(current) {
			return nil, fmt.Errorf("%w: turn %s past commit point or terminal", ErrSupersedeRejected, current.ID)
		}
		if successorID == "" {
			successorID = uuid.NewString()
		}
		successor := turn.NewWithIDs(current.SessionKey, successorID, current.GroupID, newMessageID, newMessageTS)
		successor.SupersededFrom = current.ID
		if err := current.MarkSuperseded(successor.ID); err != nil {
			return nil, err
		}
		return successor, nil

	case ActionQueue, ActionForceComplete:
		// No mutation: the caller owns buffering (QUEUE) or dropping
		// (FORCE_COMPLETE) the message.
		return current, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, d.Action)
	}
}
