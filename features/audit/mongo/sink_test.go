package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/clue/health"

	"goa.design/fabric/runtime/fabric/audit"
	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/turn"
)

func TestNewRequiresClientAndDatabase(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Database: "fabric"})
	require.Error(t, err)
}

func TestSinkReportsHealthName(t *testing.T) {
	var p health.Pinger = (*Sink)(nil)
	require.Equal(t, "audit-mongo", p.Name())
}

func TestDocumentConversionRoundTrip(t *testing.T) {
	key, err := session.BuildKey("acme", "bot", "user-1", "webchat")
	require.NoError(t, err)

	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	completed := started.Add(4 * time.Second)
	rec := &audit.Record{
		TurnID:           "turn-1",
		GroupID:          "group-1",
		SessionKey:       key,
		Status:           turn.StatusComplete,
		CompletionReason: turn.ReasonTimeout,
		MessageIDs:       []string{"m1", "m2"},
		ResponseSegments: []string{"Sure, done."},
		SideEffects: []turn.SideEffect{{
			EffectType:     "tool_execution",
			Policy:         turn.PolicyIrreversible,
			ExecutedAt:     started.Add(time.Second),
			ToolName:       "send_payment",
			IdempotencyKey: "group-1:send_payment:0",
			Details:        map[string]any{"amount": "42.00"},
		}},
		SupersededFrom: "turn-0",
		InterruptPoint: "drafting_response",
		MutexFence:     7,
		StartedAt:      started,
		CompletedAt:    completed,
	}

	got := toRecord(fromRecord(rec))
	require.Equal(t, rec, got)
}

func TestDocumentConversionEmptyEffects(t *testing.T) {
	rec := &audit.Record{
		TurnID:      "turn-1",
		SessionKey:  session.Key("acme:bot:user-1:webchat"),
		Status:      turn.StatusComplete,
		StartedAt:   time.Now().UTC().Truncate(time.Millisecond),
		CompletedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	got := toRecord(fromRecord(rec))
	require.Equal(t, rec.TurnID, got.TurnID)
	require.Empty(t, got.SideEffects)
	require.Empty(t, got.MessageIDs)
}
