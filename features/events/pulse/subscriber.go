package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/fabric/features/events/pulse/clients/pulse"
	"goa.design/fabric/runtime/fabric/events"
	"goa.design/fabric/runtime/fabric/session"
)

type (
	// EnvelopeDecoder converts raw payloads read from Pulse back into
	// session events. Custom decoders can handle non-standard envelopes.
	EnvelopeDecoder func([]byte) (events.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "fabric_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes envelopes. Defaults to the built-in JSON
		// decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes a session's Pulse stream and emits the events
	// the publisher wrote to it.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "fabric_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decode := opts.Decoder
	if decode == nil {
		decode = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decode,
	}, nil
}

// Subscribe opens a consumer group on the stream and returns channels for
// events and errors. The returned cancel function stops consumption, closes
// the sink, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan events.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, errs, cancelFunc, nil
}

// consume reads from the Pulse sink, decodes envelopes, and emits events.
// Each event is acked after successful emission so redelivery covers crashes
// between read and emit.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- events.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode event: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

func decodeEnvelope(payload []byte) (events.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return events.Event{}, err
	}
	return events.Event{
		Type:          events.Type(env.Type),
		SessionKey:    session.Key(env.SessionKey),
		LogicalTurnID: env.TurnID,
		Timestamp:     env.Timestamp,
		Payload:       env.Payload,
	}, nil
}
