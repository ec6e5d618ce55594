package runtime_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/audit"
	"goa.design/fabric/runtime/fabric/brain"
	"goa.design/fabric/runtime/fabric/config"
	"goa.design/fabric/runtime/fabric/engine"
	enginmem "goa.design/fabric/runtime/fabric/engine/inmem"
	"goa.design/fabric/runtime/fabric/gateway"
	fabric "goa.design/fabric/runtime/fabric/runtime"
	"goa.design/fabric/runtime/fabric/session"
	storeinmem "goa.design/fabric/runtime/fabric/session/inmem"
	"goa.design/fabric/runtime/fabric/turn"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Accumulation.MinWait = 5 * time.Millisecond
	cfg.Accumulation.MaxWait = 500 * time.Millisecond
	cfg.Accumulation.ChannelDefaults = map[string]time.Duration{
		"webchat": 250 * time.Millisecond,
		"api":     0,
	}
	cfg.Mutex.LockTimeout = 900 * time.Millisecond
	cfg.Mutex.BlockingTimeout = 2 * time.Second
	cfg.Index.TTL = 2 * time.Second
	return &cfg
}

type fixture struct {
	rt    *fabric.Runtime
	eng   engine.Engine
	store *storeinmem.Store
	sink  *audit.InMemSink
}

func newFixture(t *testing.T, b brain.Brain) *fixture {
	t.Helper()
	eng := enginmem.New()
	store := storeinmem.New(storeinmem.Options{})
	sink := audit.NewInMemSink()
	rt, err := fabric.New(
		fabric.WithEngine(eng),
		fabric.WithSessionStore(store),
		fabric.WithBrain(b),
		fabric.WithConfig(testConfig()),
		fabric.WithAuditSink(sink),
	)
	require.NoError(t, err)
	require.NoError(t, rt.Register(context.Background()))
	return &fixture{rt: rt, eng: eng, store: store, sink: sink}
}

func sessionKey(t *testing.T, channel string) session.Key {
	t.Helper()
	key, err := session.BuildKey("acme", "support-bot", "user-7", channel)
	require.NoError(t, err)
	return key
}

func message(key session.Key, id, content string) api.Message {
	return api.Message{ID: id, SessionKey: key, Content: content, ReceivedAt: time.Now().UTC()}
}

func (f *fixture) awaitStatus(t *testing.T, workflowID string, want engine.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := f.eng.QueryRunStatus(context.Background(), workflowID)
		return err == nil && st == want
	}, 5*time.Second, 10*time.Millisecond, "workflow %s never reached %s", workflowID, want)
}

func (f *fixture) awaitActiveTurn(t *testing.T, key session.Key) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, active, err := f.store.Index().Get(context.Background(), key)
		return err == nil && active
	}, 2*time.Second, 5*time.Millisecond, "active turn never registered")
}

func (f *fixture) records(t *testing.T, key session.Key, n int) []*audit.Record {
	t.Helper()
	var recs []*audit.Record
	require.Eventually(t, func() bool {
		var err error
		recs, err = f.sink.ListSession(context.Background(), key, 0)
		return err == nil && len(recs) >= n
	}, 5*time.Second, 10*time.Millisecond, "expected %d turn records", n)
	return recs
}

func TestSingleMessageTurnCompletes(t *testing.T) {
	var captured []api.Message
	var mu sync.Mutex
	f := newFixture(t, brain.Func(func(_ context.Context, tc *brain.TurnContext) (*brain.Result, error) {
		mu.Lock()
		captured = tc.Messages()
		mu.Unlock()
		return &brain.Result{ResponseSegments: []string{"hi, how can I help?"}}, nil
	}))
	key := sessionKey(t, "webchat")

	res, err := f.rt.Deliver(context.Background(), message(key, "m1", "hello"))
	require.NoError(t, err)
	require.Equal(t, gateway.DecisionTriggerNew, res.Decision)

	f.awaitStatus(t, res.WorkflowID, engine.RunStatusCompleted)

	recs := f.records(t, key, 1)
	rec := recs[0]
	require.Equal(t, turn.StatusComplete, rec.Status)
	require.Equal(t, turn.ReasonTimeout, rec.CompletionReason)
	require.Equal(t, []string{"m1"}, rec.MessageIDs)
	require.Equal(t, []string{"hi, how can I help?"}, rec.ResponseSegments)
	require.Equal(t, uint64(1), rec.MutexFence)

	mu.Lock()
	require.Len(t, captured, 1)
	mu.Unlock()

	// Commit released everything: the index is clear and the mutex is free.
	_, active, err := f.store.Index().Get(context.Background(), key)
	require.NoError(t, err)
	require.False(t, active)
	tok, err := f.store.Mutex().Acquire(context.Background(), key, 100*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, f.store.Mutex().Release(context.Background(), tok))
}

func TestRapidFireMessagesAccumulateIntoOneTurn(t *testing.T) {
	var got atomic.Int32
	f := newFixture(t, brain.Func(func(_ context.Context, tc *brain.TurnContext) (*brain.Result, error) {
		got.Store(int32(len(tc.Messages())))
		return &brain.Result{ResponseSegments: []string{"got both"}}, nil
	}))
	key := sessionKey(t, "webchat")

	res, err := f.rt.Deliver(context.Background(), message(key, "m1", "I need to change my"))
	require.NoError(t, err)
	f.awaitActiveTurn(t, key)

	res2, err := f.rt.Deliver(context.Background(), message(key, "m2", "delivery address"))
	require.NoError(t, err)
	require.Equal(t, gateway.DecisionSignalExisting, res2.Decision)
	require.Equal(t, res.WorkflowID, res2.WorkflowID)

	f.awaitStatus(t, res.WorkflowID, engine.RunStatusCompleted)

	recs := f.records(t, key, 1)
	require.Len(t, recs, 1, "both messages land in one logical turn")
	require.Equal(t, []string{"m1", "m2"}, recs[0].MessageIDs)
	require.EqualValues(t, 2, got.Load())

	n, err := f.store.Pending().Peek(context.Background(), key)
	require.NoError(t, err)
	require.Zero(t, n, "absorbed messages leave the pending queue")
}

func TestBypassChannelSkipsAccumulation(t *testing.T) {
	f := newFixture(t, brain.Func(func(context.Context, *brain.TurnContext) (*brain.Result, error) {
		return &brain.Result{ResponseSegments: []string{"ok"}}, nil
	}))
	key := sessionKey(t, "api")

	res, err := f.rt.Deliver(context.Background(), message(key, "m1", "status of order 42"))
	require.NoError(t, err)
	f.awaitStatus(t, res.WorkflowID, engine.RunStatusCompleted)

	recs := f.records(t, key, 1)
	require.Equal(t, turn.ReasonNoAccumulation, recs[0].CompletionReason)
}

func TestMidProcessingSupersede(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	f := newFixture(t, brain.Func(func(ctx context.Context, tc *brain.TurnContext) (*brain.Result, error) {
		if calls.Add(1) == 1 {
			close(started)
			for {
				if err := tc.CheckInterrupt("drafting_response"); err != nil {
					return nil, err
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(5 * time.Millisecond):
				}
			}
		}
		return &brain.Result{ResponseSegments: []string{"answering the new question"}}, nil
	}))
	key := sessionKey(t, "webchat")

	res, err := f.rt.Deliver(context.Background(), message(key, "m1", "cancel my order"))
	require.NoError(t, err)
	<-started

	_, err = f.rt.Deliver(context.Background(), message(key, "m2", "wait, actually just change the date"))
	require.NoError(t, err)

	f.awaitStatus(t, res.WorkflowID, engine.RunStatusCompleted)

	recs := f.records(t, key, 2)
	final, old := recs[0], recs[1]

	require.Equal(t, turn.StatusComplete, final.Status)
	require.Equal(t, []string{"m2"}, final.MessageIDs)
	require.Equal(t, old.TurnID, final.SupersededFrom)

	require.Equal(t, turn.StatusSuperseded, old.Status)
	require.Equal(t, final.TurnID, old.SupersededBy)
	require.Equal(t, "drafting_response", old.InterruptPoint)

	require.Equal(t, old.GroupID, final.GroupID, "supersede chain shares the idempotency scope")
	require.EqualValues(t, 2, calls.Load())
}

func TestIrreversibleEffectQueuesNewMessage(t *testing.T) {
	var calls atomic.Int32
	committed := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, brain.Func(func(ctx context.Context, tc *brain.TurnContext) (*brain.Result, error) {
		if calls.Add(1) == 1 {
			err := tc.RecordSideEffect(ctx, "tool_execution", "send_payment", turn.PolicyIrreversible)
			if err != nil {
				return nil, err
			}
			close(committed)
			<-release
			return &brain.Result{ResponseSegments: []string{"payment sent"}}, nil
		}
		return &brain.Result{ResponseSegments: []string{"handling the follow-up"}}, nil
	}))
	key := sessionKey(t, "webchat")

	res, err := f.rt.Deliver(context.Background(), message(key, "m1", "pay invoice 17"))
	require.NoError(t, err)
	<-committed

	// The payment is irreversible: this message must not preempt the turn.
	_, err = f.rt.Deliver(context.Background(), message(key, "m2", "actually make it invoice 18"))
	require.NoError(t, err)
	close(release)

	f.awaitStatus(t, res.WorkflowID, engine.RunStatusCompleted)

	// The queued message is redelivered as its own turn after commit.
	recs := f.records(t, key, 2)
	followup, first := recs[0], recs[1]

	require.Equal(t, []string{"m1"}, first.MessageIDs)
	require.Equal(t, turn.StatusComplete, first.Status)
	require.Len(t, first.SideEffects, 1)
	require.Equal(t, turn.PolicyIrreversible, first.SideEffects[0].Policy)
	require.Equal(t, "send_payment", first.SideEffects[0].ToolName)

	require.Equal(t, []string{"m2"}, followup.MessageIDs)
	require.Equal(t, turn.StatusComplete, followup.Status)
	require.NotEqual(t, first.GroupID, followup.GroupID, "a queued message starts a fresh idempotency scope")
	require.EqualValues(t, 2, calls.Load())
}

func TestMutexLostAbortsCommit(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, brain.Func(func(context.Context, *brain.TurnContext) (*brain.Result, error) {
		close(started)
		<-release
		return &brain.Result{ResponseSegments: []string{"too late"}}, nil
	}))
	key := sessionKey(t, "webchat")

	res, err := f.rt.Deliver(context.Background(), message(key, "m1", "hello"))
	require.NoError(t, err)
	<-started

	// Simulate a lease takeover while the Brain is mid-flight.
	require.NoError(t, f.store.Mutex().ForceRelease(context.Background(), key))
	close(release)

	f.awaitStatus(t, res.WorkflowID, engine.RunStatusFailed)

	recs, err := f.sink.ListSession(context.Background(), key, 0)
	require.NoError(t, err)
	require.Empty(t, recs, "a fenced-out commit persists nothing")
}

func TestBrainSeesPendingMessages(t *testing.T) {
	pending := make(chan bool, 1)
	proceed := make(chan struct{})
	var once sync.Once
	f := newFixture(t, brain.Func(func(ctx context.Context, tc *brain.TurnContext) (*brain.Result, error) {
		var result *brain.Result
		once.Do(func() {
			<-proceed
			has, err := tc.HasPendingMessages(ctx)
			if err == nil {
				pending <- has
			}
			result = &brain.Result{ResponseSegments: []string{"wrapping up"}}
		})
		if result == nil {
			result = &brain.Result{ResponseSegments: []string{"next"}}
		}
		return result, nil
	}))
	key := sessionKey(t, "webchat")

	res, err := f.rt.Deliver(context.Background(), message(key, "m1", "first question"))
	require.NoError(t, err)
	f.awaitActiveTurn(t, key)

	// Wait for processing to start, then land a second message so it sits in
	// the pending queue when the Brain peeks.
	f.awaitStatus(t, res.WorkflowID, engine.RunStatusRunning)
	require.Eventually(t, func() bool {
		_, active, err := f.store.Index().Get(context.Background(), key)
		return err == nil && active
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.store.Pending().Push(context.Background(), key, session.PendingMessage{
		ID: "m2", Content: "second question", ReceivedAt: time.Now().UTC(),
	}))
	close(proceed)

	require.Eventually(t, func() bool {
		select {
		case has := <-pending:
			require.True(t, has, "the Brain sees the queued message")
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	f.awaitStatus(t, res.WorkflowID, engine.RunStatusCompleted)
}
