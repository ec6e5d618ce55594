// Package runtime assembles the fabric: it registers the logical turn
// workflow and its activities on an engine, owns the live turn contexts for
// the worker process, and exposes the gateway applications deliver messages
// through.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/fabric/runtime/fabric/accumulate"
	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/audit"
	"goa.design/fabric/runtime/fabric/brain"
	"goa.design/fabric/runtime/fabric/commit"
	"goa.design/fabric/runtime/fabric/config"
	"goa.design/fabric/runtime/fabric/engine"
	"goa.design/fabric/runtime/fabric/events"
	"goa.design/fabric/runtime/fabric/gateway"
	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/supersede"
	"goa.design/fabric/runtime/fabric/telemetry"
	"goa.design/fabric/runtime/fabric/turn"
)

// Registered names for the turn workflow and its activities.
const (
	WorkflowLogicalTurn = "LogicalTurnWorkflow"
	ActivitySession     = "fabric.session"
	ActivityBrain       = "fabric.brain"
	ActivityCommit      = "fabric.commit"
	ActivityEvent       = "fabric.event"
)

type (
	// Runtime wires the fabric's pieces together for one worker process.
	Runtime struct {
		eng     engine.Engine
		store   session.Store
		brain   brain.Brain
		tracker *commit.Tracker
		cfg     *config.Config
		router  *events.Router
		sink    audit.Sink
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		queue   string
		tier    gateway.TierResolver

		accum *accumulate.Manager
		coord *supersede.Coordinator

		cadence *accumulate.CadenceRecorder

		mu    sync.Mutex
		hints map[session.Key]storedHint
		live  map[string]*brain.TurnContext

		gw         *gateway.Gateway
		registered bool
	}

	storedHint struct {
		hint       *turn.AccumulationHint
		producedAt time.Time
	}

	// Option configures a Runtime.
	Option func(*Runtime)
)

// WithEngine sets the workflow engine. Required.
func WithEngine(eng engine.Engine) Option {
	return func(r *Runtime) { r.eng = eng }
}

// WithSessionStore sets the session coordination backend. Required.
func WithSessionStore(store session.Store) Option {
	return func(r *Runtime) { r.store = store }
}

// WithBrain sets the hosted agent logic. Required.
func WithBrain(b brain.Brain) Option {
	return func(r *Runtime) { r.brain = b }
}

// WithCommitTracker sets the tool policy snapshot used to classify side
// effects. Defaults to a tracker that treats every tool as irreversible.
func WithCommitTracker(t *commit.Tracker) Option {
	return func(r *Runtime) { r.tracker = t }
}

// WithConfig sets the fabric configuration. Defaults to config.Default.
func WithConfig(cfg *config.Config) Option {
	return func(r *Runtime) { r.cfg = cfg }
}

// WithRouter sets the event router. Defaults to a fresh router.
func WithRouter(router *events.Router) Option {
	return func(r *Runtime) { r.router = router }
}

// WithAuditSink sets the turn record store. Defaults to an in-memory sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(r *Runtime) { r.sink = sink }
}

// WithLogger sets the runtime logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithMetrics sets the runtime metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(r *Runtime) { r.metrics = metrics }
}

// WithTracer sets the runtime tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(r *Runtime) { r.tracer = tracer }
}

// WithTaskQueue sets the task queue turn workflows run on.
func WithTaskQueue(queue string) Option {
	return func(r *Runtime) { r.queue = queue }
}

// WithTierResolver sets the tenant tier lookup for gateway rate limiting.
func WithTierResolver(resolver gateway.TierResolver) Option {
	return func(r *Runtime) { r.tier = resolver }
}

// New builds a runtime from the given options. Engine, session store, and
// Brain are required; everything else has working defaults.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
		cadence: accumulate.NewCadenceRecorder(),
		hints:   make(map[session.Key]storedHint),
		live:    make(map[string]*brain.TurnContext),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.eng == nil {
		return nil, fmt.Errorf("runtime: engine is required")
	}
	if r.store == nil {
		return nil, fmt.Errorf("runtime: session store is required")
	}
	if r.brain == nil {
		return nil, fmt.Errorf("runtime: brain is required")
	}
	if r.cfg == nil {
		cfg := config.Default()
		r.cfg = &cfg
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	if r.tracker == nil {
		r.tracker = commit.NewTracker()
	}
	if r.router == nil {
		r.router = events.NewRouter(events.WithLogger(r.logger), events.WithMetrics(r.metrics))
	}
	if r.sink == nil {
		r.sink = audit.NewInMemSink()
	}
	r.accum = accumulate.NewManager(r.cfg.Accumulation)
	r.coord = supersede.NewCoordinator(r.tracker)
	return r, nil
}

// Register installs the turn workflow, its activities, and the pending
// message redelivery listener on the engine. Call once per process before
// delivering messages.
func (r *Runtime) Register(ctx context.Context) error {
	if r.registered {
		return fmt.Errorf("runtime: already registered")
	}

	if err := r.eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowLogicalTurn,
		TaskQueue: r.queue,
		Handler:   r.logicalTurnWorkflow,
	}); err != nil {
		return fmt.Errorf("runtime: register workflow: %w", err)
	}

	if err := r.eng.RegisterSessionActivity(ctx, ActivitySession, engine.ActivityOptions{
		Timeout:     r.cfg.Mutex.BlockingTimeout + 10*time.Second,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, BackoffCoefficient: 2},
	}, r.sessionActivity); err != nil {
		return fmt.Errorf("runtime: register session activity: %w", err)
	}

	if err := r.eng.RegisterBrainActivity(ctx, ActivityBrain, engine.ActivityOptions{
		HeartbeatTimeout: r.cfg.Mutex.LockTimeout,
		RetryPolicy:      engine.RetryPolicy{MaxAttempts: 1},
	}, r.brainActivity); err != nil {
		return fmt.Errorf("runtime: register brain activity: %w", err)
	}

	if err := r.eng.RegisterCommitActivity(ctx, ActivityCommit, engine.ActivityOptions{
		Timeout:     30 * time.Second,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 5, InitialInterval: 200 * time.Millisecond, BackoffCoefficient: 2},
	}, r.commitActivity); err != nil {
		return fmt.Errorf("runtime: register commit activity: %w", err)
	}

	if err := r.eng.RegisterEventActivity(ctx, ActivityEvent, engine.ActivityOptions{
		Timeout:     10 * time.Second,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 2},
	}, r.eventActivity); err != nil {
		return fmt.Errorf("runtime: register event activity: %w", err)
	}

	gw, err := gateway.New(r.eng, r.store, r.cfg, r.router, WorkflowLogicalTurn,
		gateway.WithLogger(r.logger),
		gateway.WithMetrics(r.metrics),
		gateway.WithTaskQueue(r.queue),
		gateway.WithTierResolver(r.tier),
	)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	r.gw = gw

	// Leftover pending messages become the next turn once the current one
	// finishes.
	if _, err := r.router.Subscribe(string(events.TurnCompleted), events.ListenerFunc(r.redeliverOnComplete)); err != nil {
		return fmt.Errorf("runtime: subscribe redelivery listener: %w", err)
	}

	r.registered = true
	return nil
}

// Gateway returns the message ingress. Register must have been called.
func (r *Runtime) Gateway() *gateway.Gateway {
	return r.gw
}

// Router returns the event router so applications can subscribe listeners.
func (r *Runtime) Router() *events.Router {
	return r.router
}

// Deliver admits a message through the gateway.
func (r *Runtime) Deliver(ctx context.Context, msg api.Message) (*gateway.Result, error) {
	if r.gw == nil {
		return nil, fmt.Errorf("runtime: not registered")
	}
	return r.gw.ReceiveMessage(ctx, msg)
}

func (r *Runtime) redeliverOnComplete(ctx context.Context, e events.Event) error {
	n, err := r.store.Pending().Peek(ctx, e.SessionKey)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return r.gw.RedeliverPending(ctx, e.SessionKey)
}

// trackLive registers the turn context for interrupt delivery while a brain
// activity runs in this process.
func (r *Runtime) trackLive(turnID string, tc *brain.TurnContext) {
	r.mu.Lock()
	r.live[turnID] = tc
	r.mu.Unlock()
}

func (r *Runtime) releaseLive(turnID string) {
	r.mu.Lock()
	delete(r.live, turnID)
	r.mu.Unlock()
}

// interruptLive asks a running Think for the turn to stop at its next
// interrupt point. Best effort: when the brain activity runs in another
// worker process the Brain still notices via HasPendingMessages.
func (r *Runtime) interruptLive(turnID string) {
	r.mu.Lock()
	tc, ok := r.live[turnID]
	r.mu.Unlock()
	if ok {
		tc.RequestInterrupt()
	}
}

func (r *Runtime) storeHint(key session.Key, hint *turn.AccumulationHint, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hint == nil {
		delete(r.hints, key)
		return
	}
	r.hints[key] = storedHint{hint: hint, producedAt: at}
}

func (r *Runtime) freshHint(key session.Key, now time.Time) *turn.AccumulationHint {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.hints[key]
	if !ok || !brain.HintFresh(stored.producedAt, now) {
		return nil
	}
	return stored.hint
}
