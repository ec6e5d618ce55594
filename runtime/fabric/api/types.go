// Package api defines shared types that cross workflow/activity boundaries in
// the fabric. Everything here must serialize cleanly through the workflow
// engine's payload converter.
package api

import (
	"encoding/json"
	"time"

	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/supersede"
	"goa.design/fabric/runtime/fabric/turn"
)

// SignalNewMessage is the signal name used to deliver additional messages to
// a running turn workflow.
const SignalNewMessage = "fabric.turn.new_message"

type (
	// Message is a single inbound message as the gateway admitted it.
	Message struct {
		// ID is the transport-assigned or gateway-assigned message identifier.
		ID string

		// SessionKey routes the message to its session.
		SessionKey session.Key

		// Content is the raw message text.
		Content string

		// ReceivedAt is when the gateway admitted the message.
		ReceivedAt time.Time

		// Metadata carries transport-specific detail (channel message IDs,
		// reply context, attachments manifest).
		Metadata map[string]string
	}

	// MessageSignal is the payload of SignalNewMessage. It carries the new
	// message plus the gateway's admission timestamp so the workflow can
	// compute inter-message gaps deterministically.
	MessageSignal struct {
		// Message is the newly admitted message.
		Message Message
	}

	// TurnInput starts a logical turn workflow.
	TurnInput struct {
		// SessionKey identifies the session the turn belongs to.
		SessionKey session.Key

		// Message is the triggering message.
		Message Message

		// TurnGroupID, when set, places the new turn in an existing
		// idempotency scope. Empty means the workflow derives a fresh one.
		TurnGroupID string
	}

	// TurnOutput is the workflow result.
	TurnOutput struct {
		// TurnID is the logical turn that completed (the last turn of the
		// supersede chain if supersession occurred).
		TurnID string

		// Status is the terminal status of that turn.
		Status turn.Status

		// CompletionReason explains why accumulation ended.
		CompletionReason string

		// ResponseSegments are the Brain's outbound response parts in order.
		ResponseSegments []string

		// SupersededTurnIDs lists predecessor turns superseded during this
		// workflow execution, oldest first.
		SupersededTurnIDs []string
	}

	// SessionOp selects the operation a SessionRequest performs. A single
	// activity multiplexes the session store so engines register one handler.
	SessionOp string

	// SessionRequest is the input of the session activity.
	SessionRequest struct {
		// Op selects the operation.
		Op SessionOp

		// SessionKey scopes the operation.
		SessionKey session.Key

		// Token carries the mutex token for release/extend/held checks.
		Token session.Token

		// LockTimeout bounds mutex acquisition; zero means the configured
		// default.
		LockTimeout time.Duration

		// WorkflowID is stored in the active turn index on register.
		WorkflowID string

		// IndexTTL bounds the active turn index entry; zero means the
		// configured default.
		IndexTTL time.Duration

		// Message is pushed on the pending queue for OpQueuePush and carries
		// the latest message for OpSuggestWait.
		Message *Message

		// MessagesInTurn is the turn's message count so far (OpSuggestWait).
		MessagesInTurn int
	}

	// SessionResult is the output of the session activity.
	SessionResult struct {
		// Token is the acquired mutex token (OpMutexAcquire) or the token
		// checked (OpMutexHeld).
		Token session.Token

		// Held reports whether the token still holds the mutex.
		Held bool

		// ActiveWorkflowID is the registered workflow instance (OpIndexGet).
		ActiveWorkflowID string

		// ActiveFound reports whether an index entry existed (OpIndexGet).
		ActiveFound bool

		// Pending is the drained or peeked queue content.
		Pending []session.PendingMessage

		// PendingCount is the queue length (OpQueuePeek).
		PendingCount int

		// Wait is the suggested accumulation wait (OpSuggestWait). Zero
		// means the channel bypasses accumulation.
		Wait time.Duration
	}

	// BrainMode selects what the brain activity does.
	BrainMode string

	// BrainInput is the input of the brain activity.
	BrainInput struct {
		// Mode selects thinking or supersede deciding.
		Mode BrainMode

		// Turn is a snapshot of the logical turn being processed.
		Turn *turn.Turn

		// Messages carries the admitted messages for the turn's message IDs.
		Messages []Message

		// NewMessage is the conflicting message (BrainModeDecide only).
		NewMessage *Message

		// MutexToken lets the activity heartbeat the session mutex while the
		// Brain thinks.
		MutexToken session.Token
	}

	// BrainOutput is the output of the brain activity.
	BrainOutput struct {
		// ResponseSegments are the outbound response parts in order.
		ResponseSegments []string

		// Artifacts are phase artifacts produced while thinking, keyed by
		// phase number.
		Artifacts map[int]json.RawMessage

		// SideEffects are the effects the Brain executed, in order.
		SideEffects []turn.SideEffect

		// ScenarioCheckpoint reports whether the Brain crossed a scenario
		// checkpoint.
		ScenarioCheckpoint bool

		// ExpectsMoreInput hints the next turn's accumulation (for example
		// the Brain asked a question and expects an answer).
		ExpectsMoreInput bool

		// NextHint is stored and fed to the next turn's wait computation.
		NextHint *turn.AccumulationHint

		// Interrupted reports that processing stopped at an interrupt point
		// because a supersede was enforced.
		Interrupted bool

		// InterruptPoint names where processing stopped, when interrupted.
		InterruptPoint string

		// Decision carries the supersede decision (BrainModeDecide only).
		Decision *supersede.Decision
	}

	// CommitRequest is the input of the commit activity, the final step that
	// persists the turn record and releases the mutex.
	CommitRequest struct {
		// Turn is the terminal turn to persist.
		Turn *turn.Turn

		// Token is the mutex token to validate and release.
		Token session.Token

		// Output is the brain output to persist alongside the turn.
		Output *BrainOutput

		// Superseded lists predecessor turns replaced during this workflow
		// execution so their records persist alongside the terminal one.
		Superseded []*turn.Turn
	}

	// CommitResult is the output of the commit activity.
	CommitResult struct {
		// MutexLost reports the fencing check failed: another holder owns
		// the mutex and the commit was aborted.
		MutexLost bool
	}

	// EventInput is the input of the event-publishing activity.
	EventInput struct {
		// Type is the event type string.
		Type string

		// SessionKey scopes the event.
		SessionKey session.Key

		// TurnID correlates the event to a logical turn.
		TurnID string

		// Payload carries type-specific detail.
		Payload map[string]any
	}
)

const (
	// OpMutexAcquire acquires the session mutex, blocking up to LockTimeout.
	OpMutexAcquire SessionOp = "mutex_acquire"
	// OpMutexRelease releases the session mutex if the token still holds it.
	OpMutexRelease SessionOp = "mutex_release"
	// OpMutexExtend extends the mutex lease.
	OpMutexExtend SessionOp = "mutex_extend"
	// OpMutexHeld checks whether the token still holds the mutex.
	OpMutexHeld SessionOp = "mutex_held"
	// OpIndexRegister records the active turn for the session key.
	OpIndexRegister SessionOp = "index_register"
	// OpIndexDeregister clears the active turn entry.
	OpIndexDeregister SessionOp = "index_deregister"
	// OpIndexGet looks up the active turn entry.
	OpIndexGet SessionOp = "index_get"
	// OpQueuePush appends a message to the session's pending queue.
	OpQueuePush SessionOp = "queue_push"
	// OpQueuePeek returns the queue length without consuming.
	OpQueuePeek SessionOp = "queue_peek"
	// OpQueueDrain removes and returns all pending messages.
	OpQueueDrain SessionOp = "queue_drain"
	// OpSuggestWait computes the accumulation wait for the latest message,
	// folding in the interlocutor's cadence and the previous turn's hint.
	OpSuggestWait SessionOp = "suggest_wait"
)

const (
	// BrainModeThink runs a full processing pass.
	BrainModeThink BrainMode = "think"
	// BrainModeDecide asks the Brain how to handle a conflicting message.
	BrainModeDecide BrainMode = "decide"
)
