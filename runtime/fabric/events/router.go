package events

import (
	"context"
	"errors"
	"sync"

	"goa.design/fabric/runtime/fabric/telemetry"
)

type (
	// Listener reacts to published events. Implementations must be
	// thread-safe; the router may invoke them from concurrent publishers.
	//
	// A listener error never reaches the publisher. The router logs it and
	// keeps delivering to the remaining listeners, so a broken analytics
	// sink cannot stall a turn.
	Listener interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// ListenerFunc adapts a function to the Listener interface.
	ListenerFunc func(ctx context.Context, event Event) error

	// Router fans events out to listeners whose subscription pattern matches
	// the event type. It is thread-safe and supports concurrent Publish,
	// Subscribe, and subscription Close operations.
	Router struct {
		mu        sync.RWMutex
		listeners map[*Subscription]entry
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	entry struct {
		pattern  string
		listener Listener
	}

	// Subscription represents an active registration on a Router. Close is
	// idempotent and thread-safe.
	Subscription struct {
		router *Router
		once   sync.Once
	}
)

// HandleEvent invokes the function.
func (f ListenerFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger used to report listener failures.
func WithLogger(logger telemetry.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics sets the metrics recorder for delivery counters.
func WithMetrics(metrics telemetry.Metrics) RouterOption {
	return func(r *Router) { r.metrics = metrics }
}

// NewRouter constructs an event router. Without options it logs nowhere and
// records no metrics.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		listeners: make(map[*Subscription]entry),
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a listener for every event whose type matches the
// pattern: "*", "category.*", or an exact type. It returns an error if the
// listener is nil.
func (r *Router) Subscribe(pattern string, l Listener) (*Subscription, error) {
	if l == nil {
		return nil, errors.New("listener is required")
	}
	sub := &Subscription{router: r}
	r.mu.Lock()
	r.listeners[sub] = entry{pattern: pattern, listener: l}
	r.mu.Unlock()
	return sub, nil
}

// Publish delivers the event to every listener whose pattern matches.
// Delivery is synchronous in the caller's goroutine; a listener error is
// logged and delivery continues. The subscriber snapshot is captured before
// iteration, so registrations during Publish do not affect the current
// delivery.
func (r *Router) Publish(ctx context.Context, event Event) {
	r.mu.RLock()
	matched := make([]Listener, 0, len(r.listeners))
	for _, e := range r.listeners {
		if Match(e.pattern, event.Type) {
			matched = append(matched, e.listener)
		}
	}
	r.mu.RUnlock()

	for _, l := range matched {
		if err := l.HandleEvent(ctx, event); err != nil {
			r.logger.Error(ctx, "event listener failed",
				"event_type", string(event.Type),
				"session_key", string(event.SessionKey),
				"turn_id", event.LogicalTurnID,
				"error", err.Error(),
			)
			r.metrics.IncCounter("fabric.events.listener_errors", 1, "event_type", string(event.Type))
			continue
		}
	}
	r.metrics.IncCounter("fabric.events.published", 1, "event_type", string(event.Type))
}

// Close removes the listener from the router. After Close returns the
// listener receives no new events, though an in-flight Publish may still
// deliver to it.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.router.mu.Lock()
		delete(s.router.listeners, s)
		s.router.mu.Unlock()
	})
	return nil
}
