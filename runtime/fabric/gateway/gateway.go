// Package gateway is the fabric's ingress: it admits inbound messages,
// enforces per-session rate limits, and routes each message either to a new
// turn workflow or, via signal, to the one already active for the session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/config"
	"goa.design/fabric/runtime/fabric/engine"
	"goa.design/fabric/runtime/fabric/events"
	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/telemetry"
)

// Decision is the routing outcome for one admitted message.
type Decision string

const (
	// DecisionTriggerNew started a fresh turn workflow for the message.
	DecisionTriggerNew Decision = "trigger_new"
	// DecisionSignalExisting delivered the message to the session's active
	// workflow.
	DecisionSignalExisting Decision = "signal_existing"
	// DecisionRejected refused the message at admission.
	DecisionRejected Decision = "rejected"
)

// ReasonRateLimited is the rejection reason for tier limit violations.
const ReasonRateLimited = "rate_limit_exceeded"

// ErrRateLimited is returned when a session exceeds its tenant tier's
// admission rate.
var ErrRateLimited = errors.New("session rate limit exceeded")

type (
	// Result reports how the gateway routed a message.
	Result struct {
		// Decision is the routing outcome.
		Decision Decision
		// WorkflowID is the workflow the message reached (trigger or signal).
		WorkflowID string
		// Reason explains a rejection.
		Reason string
	}

	// TierResolver maps a tenant ID to its rate limit tier. Nil means every
	// tenant gets the configured default tier.
	TierResolver func(tenantID string) string

	// Gateway admits messages and routes them to turn workflows. It is safe
	// for concurrent use.
	Gateway struct {
		eng      engine.Engine
		signaler engine.Signaler
		store    session.Store
		cfg      *config.Config
		router   *events.Router
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tier     TierResolver
		workflow string
		queue    string

		mu       sync.Mutex
		limiters map[session.Key]*rate.Limiter
		seen     map[session.Key]struct{}
	}

	// Option configures a Gateway.
	Option func(*Gateway)
)

// WithTierResolver sets the tenant tier lookup used for rate limiting.
func WithTierResolver(r TierResolver) Option {
	return func(g *Gateway) { g.tier = r }
}

// WithLogger sets the gateway logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the gateway metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = metrics }
}

// WithTaskQueue overrides the task queue new workflows are scheduled on.
func WithTaskQueue(queue string) Option {
	return func(g *Gateway) { g.queue = queue }
}

// New builds a gateway. The engine must also implement engine.Signaler so
// messages can reach workflows started by other processes; workflowName is
// the registered turn workflow definition.
func New(eng engine.Engine, store session.Store, cfg *config.Config, router *events.Router, workflowName string, opts ...Option) (*Gateway, error) {
	signaler, ok := eng.(engine.Signaler)
	if !ok {
		return nil, fmt.Errorf("gateway: engine %T does not support signaling by workflow ID", eng)
	}
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	g := &Gateway{
		eng:      eng,
		signaler: signaler,
		store:    store,
		cfg:      cfg,
		router:   router,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		workflow: workflowName,
		limiters: make(map[session.Key]*rate.Limiter),
		seen:     make(map[session.Key]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ReceiveMessage admits one inbound message. Messages for sessions with an
// active turn are pushed on the pending queue first and then signaled, so the
// workflow's queue drain can never miss one. Messages over the tenant tier's
// rate are rejected with ReasonRateLimited and ErrRateLimited.
func (g *Gateway) ReceiveMessage(ctx context.Context, msg api.Message) (*Result, error) {
	if _, _, _, _, err := session.ParseKey(msg.SessionKey); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	if !g.allow(msg.SessionKey) {
		g.metrics.IncCounter("fabric.gateway.rejected", 1, "reason", ReasonRateLimited)
		g.publish(ctx, events.New(events.MessageRejected, msg.SessionKey, "", map[string]any{
			"message_id": msg.ID,
			"reason":     ReasonRateLimited,
		}))
		return &Result{Decision: DecisionRejected, Reason: ReasonRateLimited}, ErrRateLimited
	}

	g.emitSessionLifecycle(ctx, msg.SessionKey)

	workflowID, active, err := g.store.Index().Get(ctx, msg.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("gateway: index lookup: %w", err)
	}
	if active {
		res, err := g.signalExisting(ctx, workflowID, msg)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, engine.ErrWorkflowNotFound) {
			return nil, err
		}
		// Stale index entry: the workflow is gone but its TTL has not
		// expired. Clear and fall through to a fresh turn.
		if cerr := g.store.Index().Clear(ctx, msg.SessionKey); cerr != nil {
			g.logger.Warn(ctx, "clear stale index entry", "session_key", string(msg.SessionKey), "error", cerr.Error())
		}
	}

	return g.triggerNew(ctx, msg)
}

// RedeliverPending drains the session's pending queue and re-admits each
// message in FIFO order. The runtime calls this when a turn completes with
// messages still queued. Redelivery bypasses rate limiting: the messages
// were already admitted once.
func (g *Gateway) RedeliverPending(ctx context.Context, key session.Key) error {
	pending, err := g.store.Pending().Drain(ctx, key)
	if err != nil {
		return fmt.Errorf("gateway: drain pending: %w", err)
	}
	for _, p := range pending {
		msg := api.Message{
			ID:         p.ID,
			SessionKey: key,
			Content:    p.Content,
			ReceivedAt: p.ReceivedAt,
			Metadata:   p.Metadata,
		}
		if _, err := g.route(ctx, msg); err != nil {
			return fmt.Errorf("gateway: redeliver %s: %w", p.ID, err)
		}
	}
	return nil
}

// route applies the index-or-trigger logic without admission checks.
func (g *Gateway) route(ctx context.Context, msg api.Message) (*Result, error) {
	workflowID, active, err := g.store.Index().Get(ctx, msg.SessionKey)
	if err != nil {
		return nil, err
	}
	if active {
		res, err := g.signalExisting(ctx, workflowID, msg)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, engine.ErrWorkflowNotFound) {
			return nil, err
		}
		if cerr := g.store.Index().Clear(ctx, msg.SessionKey); cerr != nil {
			g.logger.Warn(ctx, "clear stale index entry", "session_key", string(msg.SessionKey), "error", cerr.Error())
		}
	}
	return g.triggerNew(ctx, msg)
}

func (g *Gateway) signalExisting(ctx context.Context, workflowID string, msg api.Message) (*Result, error) {
	// Queue before signal: the workflow drains the queue on absorption and
	// the Brain peeks it for HasPendingMessages, so the entry must be
	// visible before the wake-up lands.
	err := g.store.Pending().Push(ctx, msg.SessionKey, session.PendingMessage{
		ID:         msg.ID,
		Content:    msg.Content,
		ReceivedAt: msg.ReceivedAt,
		Metadata:   msg.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: queue pending: %w", err)
	}

	if err := g.signaler.SignalByID(ctx, workflowID, api.SignalNewMessage, api.MessageSignal{Message: msg}); err != nil {
		return nil, err
	}

	g.metrics.IncCounter("fabric.gateway.signaled", 1, "channel", msg.SessionKey.Channel())
	return &Result{Decision: DecisionSignalExisting, WorkflowID: workflowID}, nil
}

func (g *Gateway) triggerNew(ctx context.Context, msg api.Message) (*Result, error) {
	workflowID := fmt.Sprintf("fabric-turn.%s.%s", msg.SessionKey, msg.ID)
	handle, err := g.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        workflowID,
		Workflow:  g.workflow,
		TaskQueue: g.queue,
		Input: &api.TurnInput{
			SessionKey: msg.SessionKey,
			Message:    msg,
		},
		Memo: map[string]any{
			"session_key": string(msg.SessionKey),
			"channel":     msg.SessionKey.Channel(),
		},
	})
	if err != nil {
		if errors.Is(err, engine.ErrWorkflowAlreadyStarted) {
			// Lost the start race against another gateway instance.
			return g.signalExisting(ctx, workflowID, msg)
		}
		return nil, fmt.Errorf("gateway: start workflow: %w", err)
	}
	_ = handle

	g.metrics.IncCounter("fabric.gateway.triggered", 1, "channel", msg.SessionKey.Channel())
	return &Result{Decision: DecisionTriggerNew, WorkflowID: workflowID}, nil
}

// allow checks the session against its tenant tier's admission rate. The
// limiter approximates the configured fixed window with a token bucket whose
// burst equals the per-window limit.
func (g *Gateway) allow(key session.Key) bool {
	limit := g.tierLimit(key.TenantID())
	if limit <= 0 {
		return true
	}

	g.mu.Lock()
	lim, ok := g.limiters[key]
	if !ok {
		perSecond := float64(limit) / g.cfg.RateLimit.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), limit)
		g.limiters[key] = lim
	}
	g.mu.Unlock()

	return lim.Allow()
}

func (g *Gateway) tierLimit(tenantID string) int {
	tierName := g.cfg.RateLimit.DefaultTier
	if g.tier != nil {
		if t := g.tier(tenantID); t != "" {
			tierName = t
		}
	}
	if limit, ok := g.cfg.RateLimit.TierLimits[tierName]; ok {
		return limit
	}
	return g.cfg.RateLimit.TierLimits[g.cfg.RateLimit.DefaultTier]
}

// emitSessionLifecycle publishes session.created on the first message seen
// for a key in this process, session.resumed afterwards when no turn is
// active. Best effort; the audit trail is the authoritative record.
func (g *Gateway) emitSessionLifecycle(ctx context.Context, key session.Key) {
	g.mu.Lock()
	_, known := g.seen[key]
	if !known {
		g.seen[key] = struct{}{}
	}
	g.mu.Unlock()

	if !known {
		g.publish(ctx, events.New(events.SessionCreated, key, "", nil))
		return
	}
	if _, active, err := g.store.Index().Get(ctx, key); err == nil && !active {
		g.publish(ctx, events.New(events.SessionResumed, key, "", nil))
	}
}

func (g *Gateway) publish(ctx context.Context, e events.Event) {
	if g.router == nil {
		return
	}
	g.router.Publish(ctx, e)
}
