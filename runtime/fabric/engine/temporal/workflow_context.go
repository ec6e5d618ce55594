package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/engine"
	"goa.design/fabric/runtime/fabric/telemetry"
)

type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
	baseCtx    context.Context
}

// NewWorkflowContext adapts a Temporal workflow.Context into the fabric's
// engine.WorkflowContext. This is useful when calling fabric helpers from
// workflows that are not started via the fabric engine but run in the same
// Temporal worker.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newTemporalWorkflowContext(e, ctx)
}

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	wfCtx := &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		logger:     e.logger,
		metrics:    e.metrics,
		tracer:     e.tracer,
		baseCtx:    e.workflowBaseContext(info.WorkflowExecution.RunID),
	}
	e.trackWorkflowContext(wfCtx.runID, wfCtx)
	return wfCtx
}

type contextKey string

const (
	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"
)

func (w *temporalWorkflowContext) Context() context.Context {
	ctx := w.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, workflowIDKey, w.workflowID)
	ctx = context.WithValue(ctx, runIDKey, w.runID)
	return engine.WithWorkflowContext(ctx, w)
}

func (w *temporalWorkflowContext) WorkflowID() string {
	return w.workflowID
}

func (w *temporalWorkflowContext) RunID() string {
	return w.runID
}

func (w *temporalWorkflowContext) ExecuteSessionActivity(ctx context.Context, call engine.SessionActivityCall) (*api.SessionResult, error) {
	if call.Name == "" {
		return nil, errors.New("session activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("session activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var out *api.SessionResult
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *temporalWorkflowContext) ExecuteBrainActivity(ctx context.Context, call engine.BrainActivityCall) (*api.BrainOutput, error) {
	fut, err := w.ExecuteBrainActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *temporalWorkflowContext) ExecuteBrainActivityAsync(ctx context.Context, call engine.BrainActivityCall) (engine.Future[*api.BrainOutput], error) {
	if call.Name == "" {
		return nil, errors.New("brain activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("brain activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	return &temporalFuture[*api.BrainOutput]{future: fut, ctx: actx}, nil
}

func (w *temporalWorkflowContext) ExecuteCommitActivity(ctx context.Context, call engine.CommitActivityCall) (*api.CommitResult, error) {
	if call.Name == "" {
		return nil, errors.New("commit activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("commit activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var out *api.CommitResult
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *temporalWorkflowContext) PublishEvent(ctx context.Context, call engine.EventActivityCall) error {
	if call.Name == "" {
		return errors.New("event activity name is required")
	}
	if call.Input == nil {
		return errors.New("event activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	fut := workflow.ExecuteActivity(actx, call.Name, call.Input)
	var ignored struct{}
	return fut.Get(actx, &ignored)
}

func (w *temporalWorkflowContext) NewMessages() engine.Receiver[api.MessageSignal] {
	ch := workflow.GetSignalChannel(w.ctx, api.SignalNewMessage)
	return &temporalReceiver[api.MessageSignal]{
		ctx: w.ctx,
		ch:  ch,
	}
}

func (w *temporalWorkflowContext) Logger() telemetry.Logger {
	return w.logger
}

func (w *temporalWorkflowContext) Metrics() telemetry.Metrics {
	return w.metrics
}

func (w *temporalWorkflowContext) Tracer() telemetry.Tracer {
	return w.tracer
}

func (w *temporalWorkflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

// NewTimer schedules a deterministic workflow timer. Temporal completes
// timers with non-positive durations immediately.
func (w *temporalWorkflowContext) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	fut := workflow.NewTimer(w.ctx, d)
	return &temporalTimerFuture{future: fut, ctx: w.ctx}, nil
}

func (w *temporalWorkflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return workflow.Await(w.ctx, condition)
}

func (w *temporalWorkflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	heartbeat := override.HeartbeatTimeout
	if heartbeat == 0 {
		heartbeat = defaults.HeartbeatTimeout
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeat,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

type temporalFuture[T any] struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalFuture[T]) Get(_ context.Context) (T, error) {
	var out T
	if err := f.future.Get(f.ctx, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (f *temporalFuture[T]) IsReady() bool {
	return f.future.IsReady()
}

type temporalTimerFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalTimerFuture) Get(_ context.Context) (time.Time, error) {
	if err := f.future.Get(f.ctx, nil); err != nil {
		return time.Time{}, err
	}
	return workflow.Now(f.ctx), nil
}

func (f *temporalTimerFuture) IsReady() bool {
	return f.future.IsReady()
}

type temporalReceiver[T any] struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *temporalReceiver[T]) Receive(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	var out T
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *temporalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	if ok := r.ch.ReceiveAsync(&out); ok {
		return out, true
	}
	return out, false
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		//nolint:gosec // MaxAttempts is validated at configuration time to be reasonable
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}
