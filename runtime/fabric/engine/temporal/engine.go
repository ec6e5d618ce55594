// Package temporal adapts the fabric engine abstraction to Temporal for
// durable turn execution. It manages workflow/activity registration,
// per-queue worker lifecycle, and wires OTEL instrumentation for tracing
// and metrics.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/engine"
	"goa.design/fabric/runtime/fabric/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided. The adapter automatically wires
// OTEL instrumentation, manages per-queue workers, and optionally auto-starts
// workers on first workflow execution.
type Options struct {
	// Client is an optional pre-configured Temporal client. If nil, the
	// adapter creates a lazy client using ClientOptions, allowing automatic
	// OTEL interceptor installation.
	Client client.Client

	// ClientOptions describe how to construct the Temporal client when
	// Client is nil. Required when Client is nil.
	ClientOptions *client.Options

	// WorkerOptions configures worker defaults for task queue, concurrency,
	// and identity. TaskQueue must be set and defines the default queue used
	// when workflow/activity definitions omit a queue.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics for the Temporal
	// client and workers. Both are enabled by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart disables automatic worker startup on first
	// workflow execution. Set to true when you need manual control over
	// worker lifecycle via Worker().
	DisableWorkerAutoStart bool

	// Logger emits workflow and worker logs. If nil, a noop logger is used.
	Logger telemetry.Logger

	// Metrics records workflow-level metrics. If nil, a noop recorder is used.
	Metrics telemetry.Metrics

	// Tracer creates workflow-level spans. If nil, a noop tracer is used.
	Tracer telemetry.Tracer
}

// WorkerOptions configures the shared worker settings applied to all task
// queues managed by the engine. When workflows or activities target different
// queues, the engine creates one worker per unique queue.
type WorkerOptions struct {
	// TaskQueue is the default queue name used when workflow/activity
	// definitions omit a queue. Required.
	TaskQueue string

	// Options are passed directly to Temporal's worker.New constructor.
	Options worker.Options
}

// InstrumentationOptions configures how the engine wires OpenTelemetry
// tracing and metrics into the Temporal client and workers.
type InstrumentationOptions struct {
	// DisableTracing skips installing the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips installing the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the OTEL tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the OTEL metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine implements engine.Engine using Temporal as the durable execution
// backend. It also implements engine.Signaler for out-of-process message
// delivery.
//
// Thread-safety: All methods are safe for concurrent use. Workers are lazily
// created and started on-demand unless auto-start is disabled.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions

	workflowContexts sync.Map // runID -> engine.WorkflowContext
	baseContexts     sync.Map // runID -> context.Context
}

// New constructs a Temporal engine adapter. Either Client or ClientOptions
// must be provided. The default task queue in WorkerOptions must also be
// configured.
func New(opts Options) (*Engine, error) {
	defaultQueue := opts.WorkerOptions.TaskQueue
	if defaultQueue == "" {
		return nil, fmt.Errorf("temporal engine: worker options must include a default task queue")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      defaultQueue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
		activityOptions:   make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers the turn workflow definition with the Temporal
// worker for the specified task queue. The handler is wrapped to provide the
// engine's WorkflowContext abstraction and lifecycle management.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal engine: workflow name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow handler cannot be nil")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input *api.TurnInput) (*api.TurnOutput, error) {
		wfCtx := newTemporalWorkflowContext(e, tctx)
		defer e.releaseWorkflowContext(wfCtx.RunID())
		return def.Handler(wfCtx, input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterSessionActivity registers the typed session-store activity.
func (e *Engine) RegisterSessionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.SessionRequest) (*api.SessionResult, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterBrainActivity registers the typed Brain invocation activity.
func (e *Engine) RegisterBrainActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.BrainInput) (*api.BrainOutput, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterCommitActivity registers the typed commit-and-release activity.
func (e *Engine) RegisterCommitActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.CommitRequest) (*api.CommitResult, error)) error {
	return registerActivity(e, name, opts, fn)
}

// RegisterEventActivity registers the typed event publishing activity.
func (e *Engine) RegisterEventActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.EventInput) error) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity handler cannot be nil")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input *api.EventInput) error {
		return fn(e.activityContext(actx, name), input)
	})
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// registerActivity wraps a typed in/out activity handler with workflow
// context and telemetry injection, then registers it on the queue worker.
func registerActivity[In, Out any](e *Engine, name string, opts engine.ActivityOptions, fn func(context.Context, In) (Out, error)) error {
	if name == "" {
		return fmt.Errorf("temporal engine: activity name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("temporal engine: activity handler cannot be nil")
	}
	bundle, err := e.workerForQueue(opts.Queue)
	if err != nil {
		return err
	}
	bundle.registerActivity(name, func(actx context.Context, input In) (Out, error) {
		return fn(e.activityContext(actx, name), input)
	})
	e.mu.Lock()
	e.activityOptions[name] = opts
	e.mu.Unlock()
	return nil
}

// activityContext injects the originating workflow context and rehydrated
// telemetry state into an activity invocation context.
func (e *Engine) activityContext(actx context.Context, name string) context.Context {
	runID, wfCtx := e.lookupWorkflowContext(actx)
	if wfCtx != nil {
		actx = engine.WithWorkflowContext(actx, wfCtx)
	} else if runID != "" {
		e.logger.Warn(actx, "workflow context not found for activity", "run_id", runID, "activity", name)
	}
	if base := e.workflowBaseContext(runID); base != nil {
		actx = telemetry.MergeContext(actx, base)
	}
	return engine.WithActivityContext(actx)
}

// StartWorkflow launches a new turn workflow execution on Temporal. Starting
// a workflow whose ID is already running returns
// engine.ErrWorkflowAlreadyStarted so the gateway can fall back to signaling.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	opts := client.StartWorkflowOptions{
		ID:                                       req.ID,
		TaskQueue:                                queue,
		WorkflowRunTimeout:                       req.RunTimeout,
		Memo:                                     req.Memo,
		SearchAttributes:                         req.SearchAttributes,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil, engine.ErrWorkflowAlreadyStarted
		}
		return nil, err
	}
	e.baseContexts.Store(run.GetRunID(), context.WithoutCancel(ctx))

	return &workflowHandle{run: run, client: e.client}, nil
}

// SignalByID sends a signal to a workflow by its workflow ID directly,
// without requiring an in-process handle.
func (e *Engine) SignalByID(ctx context.Context, workflowID, name string, payload any) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	err := e.client.SignalWorkflow(ctx, workflowID, "", name, payload)
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return engine.ErrWorkflowNotFound
	}
	return err
}

// QueryRunStatus returns the lifecycle status of a workflow execution by
// describing it through the Temporal client.
func (e *Engine) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", fmt.Errorf("workflow id is required")
	}
	resp, err := e.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return "", engine.ErrWorkflowNotFound
		}
		return "", err
	}
	info := resp.GetWorkflowExecutionInfo()
	if info == nil {
		return "", engine.ErrWorkflowNotFound
	}
	switch info.GetStatus() {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return engine.RunStatusRunning, nil
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return engine.RunStatusCompleted, nil
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED, enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return engine.RunStatusCanceled, nil
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED, enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return engine.RunStatusFailed, nil
	default:
		return engine.RunStatusPending, nil
	}
}

// Worker returns a controller for managing the lifecycle of all workers
// managed by this engine. Use this to manually start or stop workers when
// DisableWorkerAutoStart is enabled.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close gracefully shuts down the Temporal client if the engine created it.
// If a pre-configured Client was provided to New, Close does nothing.
//
//nolint:unparam // Error return maintained for interface compatibility.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	if queue == "" {
		return nil, fmt.Errorf("temporal engine: no task queue configured")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}

	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{
		queue:  queue,
		worker: w,
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) trackWorkflowContext(runID string, wf engine.WorkflowContext) {
	if runID == "" {
		return
	}
	e.workflowContexts.Store(runID, wf)
}

func (e *Engine) releaseWorkflowContext(runID string) {
	if runID == "" {
		return
	}
	e.workflowContexts.Delete(runID)
	e.baseContexts.Delete(runID)
}

func (e *Engine) lookupWorkflowContext(ctx context.Context) (string, engine.WorkflowContext) {
	info := activity.GetInfo(ctx)
	runID := info.WorkflowExecution.RunID
	if runID == "" {
		return "", nil
	}
	if wf, ok := e.workflowContexts.Load(runID); ok {
		if typed, ok := wf.(engine.WorkflowContext); ok {
			return runID, typed
		}
	}
	return runID, nil
}

func (e *Engine) workflowBaseContext(runID string) context.Context {
	if runID == "" {
		return nil
	}
	if base, ok := e.baseContexts.Load(runID); ok {
		if ctx, ok := base.(context.Context); ok {
			return ctx
		}
	}
	return nil
}

// WorkerController manages worker lifecycle (start/stop) for all task queues
// managed by the engine. Obtain a controller via Engine.Worker.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Subsequent worker registrations
// will be auto-started as they are created.
//
//nolint:unparam // Error return maintained for future extensibility.
func (c *WorkerController) Start() error {
	c.engine.ensureWorkersStarted()
	return nil
}

// Stop gracefully stops all workers managed by the engine.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()

	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context) (*api.TurnOutput, error) {
	var out api.TurnOutput
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
