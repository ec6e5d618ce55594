package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	clientspulse "goa.design/fabric/features/events/pulse/clients/pulse"
	"goa.design/fabric/runtime/fabric/events"
)

func TestSubscribeEmitsDecodedEvents(t *testing.T) {
	sink := &stubSink{ch: make(chan *streaming.Event, 1)}
	str := &stubStream{
		newSink: func(_ context.Context, name string) (clientspulse.Sink, error) {
			require.Equal(t, "fabric_subscriber", name)
			return sink, nil
		},
	}
	cli := &stubClient{stream: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "session/acme:bot:user-1:webchat", name)
		return str, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	out, errs, cancel, err := sub.Subscribe(context.Background(), "session/acme:bot:user-1:webchat")
	require.NoError(t, err)
	defer cancel()

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	payload, err := json.Marshal(envelope{
		Type:       string(events.TurnSuperseded),
		SessionKey: "acme:bot:user-1:webchat",
		TurnID:     "turn-1",
		Timestamp:  ts,
		Payload:    map[string]any{"superseded_by": "turn-2"},
	})
	require.NoError(t, err)
	sink.ch <- &streaming.Event{ID: "1-0", Payload: payload}
	close(sink.ch)

	got := <-out
	require.Equal(t, events.TurnSuperseded, got.Type)
	require.Equal(t, "turn-1", got.LogicalTurnID)
	require.True(t, got.Timestamp.Equal(ts))
	require.Equal(t, "turn-2", got.Payload["superseded_by"])

	// Wait for the consumer to finish so the ack is visible.
	_, more := <-out
	require.False(t, more)
	require.Empty(t, errs)
	require.Equal(t, []string{"1-0"}, sink.acked)
}

func TestSubscribeDecoderError(t *testing.T) {
	sink := &stubSink{ch: make(chan *streaming.Event, 1)}
	str := &stubStream{
		newSink: func(context.Context, string) (clientspulse.Sink, error) { return sink, nil },
	}
	cli := &stubClient{stream: func(string) (clientspulse.Stream, error) { return str, nil }}

	sub, err := NewSubscriber(SubscriberOptions{
		Client: cli,
		Decoder: func([]byte) (events.Event, error) {
			return events.Event{}, errors.New("decode error")
		},
	})
	require.NoError(t, err)

	out, errs, cancel, err := sub.Subscribe(context.Background(), "session/k")
	require.NoError(t, err)
	defer cancel()

	sink.ch <- &streaming.Event{Payload: []byte("{}")}
	close(sink.ch)

	require.Empty(t, out)
	require.EqualError(t, <-errs, "pulse decode event: decode error")
	require.Empty(t, sink.acked, "failed events stay pending")
}

func TestSubscribeRoundTripsPublishedEnvelope(t *testing.T) {
	sink := &stubSink{ch: make(chan *streaming.Event, 1)}
	str := &stubStream{
		add: func(_ context.Context, _ string, payload []byte) (string, error) {
			sink.ch <- &streaming.Event{ID: "1-0", Payload: payload}
			return "1-0", nil
		},
		newSink: func(context.Context, string) (clientspulse.Sink, error) { return sink, nil },
	}
	cli := &stubClient{stream: func(string) (clientspulse.Stream, error) { return str, nil }}

	pub, err := NewPublisher(Options{Client: cli})
	require.NoError(t, err)
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)

	event := testEvent(t)
	out, _, cancel, err := sub.Subscribe(context.Background(), "session/"+string(event.SessionKey))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, pub.HandleEvent(context.Background(), event))
	close(sink.ch)

	got := <-out
	require.Equal(t, event.Type, got.Type)
	require.Equal(t, event.SessionKey, got.SessionKey)
	require.Equal(t, event.LogicalTurnID, got.LogicalTurnID)
}
