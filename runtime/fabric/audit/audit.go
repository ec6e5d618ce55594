// Package audit defines the durable record a completed logical turn leaves
// behind. Sinks are write-once per turn ID: the commit activity may retry,
// so saves must be idempotent.
package audit

import (
	"context"
	"errors"
	"time"

	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/turn"
)

// ErrNotFound indicates no record exists for the requested turn.
var ErrNotFound = errors.New("turn record not found")

type (
	// Record is the persisted trace of one logical turn.
	Record struct {
		// TurnID is the logical turn identifier, unique per record.
		TurnID string
		// GroupID is the idempotency scope the turn belonged to.
		GroupID string
		// SessionKey is the session the turn served.
		SessionKey session.Key
		// Status is the terminal status.
		Status turn.Status
		// CompletionReason explains why accumulation ended.
		CompletionReason string
		// MessageIDs are the admitted messages, in arrival order.
		MessageIDs []string
		// ResponseSegments are the Brain's outbound parts, in order.
		ResponseSegments []string
		// SideEffects are the effects executed during the turn.
		SideEffects []turn.SideEffect
		// SupersededBy and SupersededFrom link the supersede chain.
		SupersededBy   string
		SupersededFrom string
		// InterruptPoint records where processing stopped, when interrupted.
		InterruptPoint string
		// MutexFence is the fencing number the turn committed under.
		MutexFence uint64
		// StartedAt is the first message's admission time.
		StartedAt time.Time
		// CompletedAt is when the commit activity persisted the record.
		CompletedAt time.Time
	}

	// Sink persists turn records. SaveTurn must be idempotent on TurnID:
	// saving an existing ID is a no-op, not an overwrite.
	Sink interface {
		// SaveTurn persists the record if no record with its TurnID exists.
		SaveTurn(ctx context.Context, rec *Record) error

		// LoadTurn returns the record for the turn, or ErrNotFound.
		LoadTurn(ctx context.Context, turnID string) (*Record, error)

		// ListSession returns the most recent records for a session key,
		// newest first, up to limit. Zero limit means implementation default.
		ListSession(ctx context.Context, key session.Key, limit int) ([]*Record, error)
	}
)

// FromTurn assembles a record from a terminal turn and its output.
func FromTurn(tn *turn.Turn, responseSegments []string, fence uint64, completedAt time.Time) *Record {
	return &Record{
		TurnID:           tn.ID,
		GroupID:          tn.GroupID,
		SessionKey:       tn.SessionKey,
		Status:           tn.Status,
		CompletionReason: tn.CompletionReason,
		MessageIDs:       append([]string(nil), tn.Messages...),
		ResponseSegments: append([]string(nil), responseSegments...),
		SideEffects:      append([]turn.SideEffect(nil), tn.SideEffects...),
		SupersededBy:     tn.SupersededBy,
		SupersededFrom:   tn.SupersededFrom,
		InterruptPoint:   tn.InterruptPoint,
		MutexFence:       fence,
		StartedAt:        tn.FirstAt,
		CompletedAt:      completedAt,
	}
}
