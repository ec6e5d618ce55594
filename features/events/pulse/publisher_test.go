package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/fabric/features/events/pulse/clients/pulse"
	"goa.design/fabric/runtime/fabric/events"
	"goa.design/fabric/runtime/fabric/session"
)

// stubClient implements clientspulse.Client over in-memory stubs.
type stubClient struct {
	stream    func(name string) (clientspulse.Stream, error)
	closeFn   func(ctx context.Context) error
	closeSeen bool
}

func (c *stubClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return c.stream(name)
}

func (c *stubClient) Close(ctx context.Context) error {
	c.closeSeen = true
	if c.closeFn != nil {
		return c.closeFn(ctx)
	}
	return nil
}

// stubStream implements clientspulse.Stream and records Add calls.
type stubStream struct {
	add     func(ctx context.Context, event string, payload []byte) (string, error)
	newSink func(ctx context.Context, name string) (clientspulse.Sink, error)
}

func (s *stubStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.add(ctx, event, payload)
}

func (s *stubStream) NewSink(ctx context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.newSink(ctx, name)
}

// stubSink implements clientspulse.Sink around a channel.
type stubSink struct {
	ch    chan *streaming.Event
	acked []string
}

func (s *stubSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *stubSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *stubSink) Close(context.Context) {}

func testEvent(t *testing.T) events.Event {
	t.Helper()
	key, err := session.BuildKey("acme", "bot", "user-1", "webchat")
	require.NoError(t, err)
	return events.Event{
		Type:          events.TurnCompleted,
		SessionKey:    key,
		LogicalTurnID: "turn-1",
		Timestamp:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Payload:       map[string]any{"completion_reason": "timeout"},
	}
}

func TestHandleEventPublishesEnvelope(t *testing.T) {
	event := testEvent(t)
	var gotPayload []byte
	str := &stubStream{
		add: func(_ context.Context, name string, payload []byte) (string, error) {
			require.Equal(t, "turn.completed", name)
			gotPayload = payload
			return "1-0", nil
		},
	}
	cli := &stubClient{stream: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "session/"+string(event.SessionKey), name)
		return str, nil
	}}

	pub, err := NewPublisher(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, pub.HandleEvent(context.Background(), event))

	var env envelope
	require.NoError(t, json.Unmarshal(gotPayload, &env))
	require.Equal(t, "turn.completed", env.Type)
	require.Equal(t, string(event.SessionKey), env.SessionKey)
	require.Equal(t, "turn-1", env.TurnID)
	require.True(t, env.Timestamp.Equal(event.Timestamp))
	require.Equal(t, "timeout", env.Payload["completion_reason"])
}

func TestOnPublishedReceivesEntry(t *testing.T) {
	str := &stubStream{
		add: func(context.Context, string, []byte) (string, error) { return "42-0", nil },
	}
	cli := &stubClient{stream: func(string) (clientspulse.Stream, error) { return str, nil }}

	var got PublishedEvent
	pub, err := NewPublisher(Options{
		Client: cli,
		OnPublished: func(_ context.Context, ev PublishedEvent) error {
			got = ev
			return nil
		},
	})
	require.NoError(t, err)

	event := testEvent(t)
	require.NoError(t, pub.HandleEvent(context.Background(), event))
	require.Equal(t, "42-0", got.EntryID)
	require.Equal(t, "session/"+string(event.SessionKey), got.StreamID)
	require.Equal(t, events.TurnCompleted, got.Event.Type)
}

func TestCustomStreamID(t *testing.T) {
	str := &stubStream{
		add: func(context.Context, string, []byte) (string, error) { return "1-0", nil },
	}
	cli := &stubClient{stream: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "tenant/acme", name)
		return str, nil
	}}

	pub, err := NewPublisher(Options{
		Client: cli,
		StreamID: func(e events.Event) (string, error) {
			return "tenant/" + e.TenantID(), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, pub.HandleEvent(context.Background(), testEvent(t)))
}

func TestHandleEventRequiresSessionKey(t *testing.T) {
	pub, err := NewPublisher(Options{Client: &stubClient{}})
	require.NoError(t, err)
	err = pub.HandleEvent(context.Background(), events.Event{Type: events.TurnStarted})
	require.EqualError(t, err, "event missing session key")
}

func TestAddErrorPropagates(t *testing.T) {
	str := &stubStream{
		add: func(context.Context, string, []byte) (string, error) {
			return "", errors.New("add-failed")
		},
	}
	cli := &stubClient{stream: func(string) (clientspulse.Stream, error) { return str, nil }}

	pub, err := NewPublisher(Options{Client: cli})
	require.NoError(t, err)
	require.EqualError(t, pub.HandleEvent(context.Background(), testEvent(t)), "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &stubClient{}
	pub, err := NewPublisher(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, pub.Close(context.Background()))
	require.True(t, cli.closeSeen)
}
