package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/fabric/runtime/fabric/session"
)

func testKey(t *testing.T) session.Key {
	t.Helper()
	key, err := session.BuildKey("tenant-1", "agent-1", "user-1", "webchat")
	require.NoError(t, err)
	return key
}

func TestMatchPatterns(t *testing.T) {
	cases := []struct {
		pattern string
		typ     Type
		want    bool
	}{
		{"*", TurnStarted, true},
		{"turn.*", TurnCompleted, true},
		{"turn.*", ToolExecuted, false},
		{"tool.executed", ToolExecuted, true},
		{"tool.executed", ToolFailed, false},
		{"session.*", SessionResumed, true},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Match(c.pattern, c.typ), "pattern %q vs %q", c.pattern, c.typ)
	}
}

func TestRouterDeliversToMatchingListeners(t *testing.T) {
	r := NewRouter()
	key := testKey(t)

	var mu sync.Mutex
	var got []string
	record := func(tag string) Listener {
		return ListenerFunc(func(_ context.Context, e Event) error {
			mu.Lock()
			got = append(got, tag+":"+string(e.Type))
			mu.Unlock()
			return nil
		})
	}

	_, err := r.Subscribe("*", record("all"))
	require.NoError(t, err)
	_, err = r.Subscribe("turn.*", record("turn"))
	require.NoError(t, err)
	_, err = r.Subscribe("tool.executed", record("tool"))
	require.NoError(t, err)

	r.Publish(context.Background(), New(TurnStarted, key, "t1", nil))
	r.Publish(context.Background(), New(ToolExecuted, key, "t1", nil))

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []string{
		"all:turn.started", "turn:turn.started",
		"all:tool.executed", "tool:tool.executed",
	}, got)
}

func TestRouterIsolatesListenerFailures(t *testing.T) {
	r := NewRouter()
	key := testKey(t)

	failing := ListenerFunc(func(context.Context, Event) error {
		return errors.New("sink down")
	})
	delivered := 0
	counting := ListenerFunc(func(context.Context, Event) error {
		delivered++
		return nil
	})

	_, err := r.Subscribe("*", failing)
	require.NoError(t, err)
	_, err = r.Subscribe("*", counting)
	require.NoError(t, err)

	r.Publish(context.Background(), New(TurnCompleted, key, "t1", nil))
	require.Equal(t, 1, delivered, "failure in one listener must not block others")
}

func TestSubscriptionClose(t *testing.T) {
	r := NewRouter()
	key := testKey(t)

	delivered := 0
	sub, err := r.Subscribe("*", ListenerFunc(func(context.Context, Event) error {
		delivered++
		return nil
	}))
	require.NoError(t, err)

	r.Publish(context.Background(), New(TurnStarted, key, "t1", nil))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")
	r.Publish(context.Background(), New(TurnCompleted, key, "t1", nil))

	require.Equal(t, 1, delivered)
}

func TestNilListenerRejected(t *testing.T) {
	r := NewRouter()
	_, err := r.Subscribe("*", nil)
	require.Error(t, err)
}

func TestEventEnvelope(t *testing.T) {
	key := testKey(t)
	e := New(SupersedeExecuted, key, "t2", map[string]any{"predecessor": "t1"})

	require.Equal(t, "tenant-1", e.TenantID())
	require.Equal(t, "agent-1", e.AgentID())
	require.Equal(t, "user-1", e.InterlocutorID())
	require.Equal(t, "supersede", e.Type.Category())
	require.WithinDuration(t, time.Now().UTC(), e.Timestamp, time.Minute)
}
