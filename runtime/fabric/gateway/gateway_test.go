package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/config"
	"goa.design/fabric/runtime/fabric/engine"
	"goa.design/fabric/runtime/fabric/events"
	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/session/inmem"
)

// stubEngine records workflow starts and signals without executing anything.
type stubEngine struct {
	mu        sync.Mutex
	started   []engine.WorkflowStartRequest
	signaled  []string
	signalErr error
}

func (s *stubEngine) RegisterWorkflow(context.Context, engine.WorkflowDefinition) error {
	return nil
}

func (s *stubEngine) RegisterSessionActivity(context.Context, string, engine.ActivityOptions, func(context.Context, *api.SessionRequest) (*api.SessionResult, error)) error {
	return nil
}

func (s *stubEngine) RegisterBrainActivity(context.Context, string, engine.ActivityOptions, func(context.Context, *api.BrainInput) (*api.BrainOutput, error)) error {
	return nil
}

func (s *stubEngine) RegisterCommitActivity(context.Context, string, engine.ActivityOptions, func(context.Context, *api.CommitRequest) (*api.CommitResult, error)) error {
	return nil
}

func (s *stubEngine) RegisterEventActivity(context.Context, string, engine.ActivityOptions, func(context.Context, *api.EventInput) error) error {
	return nil
}

func (s *stubEngine) StartWorkflow(_ context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, req)
	return stubHandle{}, nil
}

func (s *stubEngine) QueryRunStatus(context.Context, string) (engine.RunStatus, error) {
	return engine.RunStatusRunning, nil
}

func (s *stubEngine) SignalByID(_ context.Context, workflowID, name string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalErr != nil {
		return s.signalErr
	}
	s.signaled = append(s.signaled, workflowID+"/"+name)
	return nil
}

type stubHandle struct{}

func (stubHandle) Wait(context.Context) (*api.TurnOutput, error) { return nil, nil }
func (stubHandle) Signal(context.Context, string, any) error     { return nil }
func (stubHandle) Cancel(context.Context) error                  { return nil }

func newGateway(t *testing.T, eng *stubEngine, cfg *config.Config) (*Gateway, session.Store) {
	t.Helper()
	store := inmem.New(inmem.Options{})
	g, err := New(eng, store, cfg, events.NewRouter(), "LogicalTurnWorkflow")
	require.NoError(t, err)
	return g, store
}

func newMessage(t *testing.T, id string) api.Message {
	t.Helper()
	key, err := session.BuildKey("tenant-1", "agent-1", "user-1", "webchat")
	require.NoError(t, err)
	return api.Message{ID: id, SessionKey: key, Content: "hello", ReceivedAt: time.Now().UTC()}
}

func TestReceiveMessageRejectsMalformedKey(t *testing.T) {
	eng := &stubEngine{}
	g, _ := newGateway(t, eng, nil)

	for _, raw := range []string{"", "a:b:c", "a:b:c:d:e"} {
		_, err := g.ReceiveMessage(context.Background(), api.Message{
			ID:         "m1",
			SessionKey: session.Key(raw),
			Content:    "hello",
		})
		require.ErrorIs(t, err, session.ErrInvalidKey, "key %q", raw)
	}
	require.Empty(t, eng.started, "malformed keys never start workflows")
}

func TestTriggerNewWhenNoActiveTurn(t *testing.T) {
	eng := &stubEngine{}
	g, store := newGateway(t, eng, nil)
	msg := newMessage(t, "m1")

	res, err := g.ReceiveMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, DecisionTriggerNew, res.Decision)
	require.Len(t, eng.started, 1)
	require.Equal(t, res.WorkflowID, eng.started[0].ID)
	require.Equal(t, msg.ID, eng.started[0].Input.Message.ID)

	n, err := store.Pending().Peek(context.Background(), msg.SessionKey)
	require.NoError(t, err)
	require.Zero(t, n, "trigger messages are not queued")
}

func TestSignalExistingQueuesBeforeSignal(t *testing.T) {
	eng := &stubEngine{}
	g, store := newGateway(t, eng, nil)
	msg := newMessage(t, "m2")

	require.NoError(t, store.Index().Set(context.Background(), msg.SessionKey, "wf-1", time.Minute))

	res, err := g.ReceiveMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, DecisionSignalExisting, res.Decision)
	require.Equal(t, "wf-1", res.WorkflowID)
	require.Equal(t, []string{"wf-1/" + api.SignalNewMessage}, eng.signaled)

	pending, err := store.Pending().Drain(context.Background(), msg.SessionKey)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "m2", pending[0].ID)
}

func TestStaleIndexFallsBackToTrigger(t *testing.T) {
	eng := &stubEngine{signalErr: engine.ErrWorkflowNotFound}
	g, store := newGateway(t, eng, nil)
	msg := newMessage(t, "m3")

	require.NoError(t, store.Index().Set(context.Background(), msg.SessionKey, "wf-dead", time.Minute))

	res, err := g.ReceiveMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, DecisionTriggerNew, res.Decision)
	require.Len(t, eng.started, 1)

	_, active, err := store.Index().Get(context.Background(), msg.SessionKey)
	require.NoError(t, err)
	require.False(t, active, "stale entry is cleared")
}

func TestRateLimitRejectsBeyondTier(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Window = time.Minute
	cfg.RateLimit.TierLimits = map[string]int{"free": 3}
	cfg.RateLimit.DefaultTier = "free"

	eng := &stubEngine{}
	g, _ := newGateway(t, eng, &cfg)

	for i := 0; i < 3; i++ {
		_, err := g.ReceiveMessage(context.Background(), newMessage(t, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	res, err := g.ReceiveMessage(context.Background(), newMessage(t, "m-over"))
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, DecisionRejected, res.Decision)
	require.Equal(t, ReasonRateLimited, res.Reason)
}

func TestTierResolverSelectsLimit(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.TierLimits = map[string]int{"free": 1, "enterprise": 100}
	cfg.RateLimit.DefaultTier = "free"

	eng := &stubEngine{}
	store := inmem.New(inmem.Options{})
	g, err := New(eng, store, &cfg, nil, "LogicalTurnWorkflow",
		WithTierResolver(func(string) string { return "enterprise" }))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := g.ReceiveMessage(context.Background(), newMessage(t, fmt.Sprintf("m%d", i)))
		require.NoError(t, err, "enterprise tier admits well past the free limit")
	}
}

func TestRedeliverPending(t *testing.T) {
	eng := &stubEngine{}
	g, store := newGateway(t, eng, nil)
	msg := newMessage(t, "seed")
	key := msg.SessionKey

	for _, id := range []string{"p1", "p2"} {
		require.NoError(t, store.Pending().Push(context.Background(), key, session.PendingMessage{
			ID:         id,
			Content:    "queued",
			ReceivedAt: time.Now().UTC(),
		}))
	}

	require.NoError(t, g.RedeliverPending(context.Background(), key))
	require.Len(t, eng.started, 2, "each leftover triggers its own turn in order")
	require.Equal(t, "p1", eng.started[0].Input.Message.ID)
	require.Equal(t, "p2", eng.started[1].Input.Message.ID)

	n, err := store.Pending().Peek(context.Background(), key)
	require.NoError(t, err)
	require.Zero(t, n)
}
