// Package pulse publishes fabric session events to goa.design/pulse streams
// so dashboards and analytics consumers outside the worker process can follow
// session lifecycles. The publisher implements events.Listener and is meant
// to be subscribed on the event router, typically with the "*" pattern.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/fabric/features/events/pulse/clients/pulse"
	"goa.design/fabric/runtime/fabric/events"
)

type (
	// Options configures the Pulse publisher.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// `session/<session key>`.
		StreamID func(events.Event) (string, error)
		// OnPublished is invoked after each successful publish with the
		// stream and entry the event landed on.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// PublishedEvent reports where a published event landed.
	PublishedEvent struct {
		Event    events.Event
		StreamID string
		EntryID  string
	}

	// Publisher forwards router events into Pulse streams. Thread-safe for
	// concurrent HandleEvent calls.
	Publisher struct {
		client      clientspulse.Client
		streamID    func(events.Event) (string, error)
		onPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// envelope is the wire format of a published event.
	envelope struct {
		// Type is the dot-separated event type, e.g. "turn.completed".
		Type string `json:"type"`
		// SessionKey identifies the session the event belongs to.
		SessionKey string `json:"session_key"`
		// TurnID links the event to a logical turn, when one exists.
		TurnID string `json:"turn_id,omitempty"`
		// Timestamp is the event's original publication time (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific detail, if any.
		Payload map[string]any `json:"payload,omitempty"`
	}
)

// NewPublisher constructs a Pulse-backed event publisher. The Client field in
// opts is required.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Publisher{
		client:      opts.Client,
		streamID:    streamID,
		onPublished: opts.OnPublished,
	}, nil
}

// HandleEvent implements events.Listener: it wraps the event in an envelope
// and appends it to the derived Pulse stream.
func (p *Publisher) HandleEvent(ctx context.Context, event events.Event) error {
	streamID, err := p.streamID(event)
	if err != nil {
		return err
	}
	handle, err := p.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:       string(event.Type),
		SessionKey: string(event.SessionKey),
		TurnID:     event.LogicalTurnID,
		Timestamp:  event.Timestamp.UTC(),
		Payload:    event.Payload,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse encode event: %w", err)
	}
	entryID, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if p.onPublished != nil {
		return p.onPublished(ctx, PublishedEvent{Event: event, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the publisher's client.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

func defaultStreamID(event events.Event) (string, error) {
	if event.SessionKey == "" {
		return "", errors.New("event missing session key")
	}
	return fmt.Sprintf("session/%s", event.SessionKey), nil
}
