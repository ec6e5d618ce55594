// Package inmem provides an in-memory implementation of the workflow engine
// for testing and development.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/engine"
)

type (
	eng struct {
		mu sync.RWMutex

		workflows map[string]engine.WorkflowDefinition

		sessionActivities map[string]sessionActivityDef
		brainActivities   map[string]brainActivityDef
		commitActivities  map[string]commitActivityDef
		eventActivities   map[string]eventActivityDef

		statuses map[string]engine.RunStatus
		handles  map[string]*handle
	}

	sessionActivityDef struct {
		handler func(context.Context, *api.SessionRequest) (*api.SessionResult, error)
		opts    engine.ActivityOptions
	}

	brainActivityDef struct {
		handler func(context.Context, *api.BrainInput) (*api.BrainOutput, error)
		opts    engine.ActivityOptions
	}

	commitActivityDef struct {
		handler func(context.Context, *api.CommitRequest) (*api.CommitResult, error)
		opts    engine.ActivityOptions
	}

	eventActivityDef struct {
		handler func(context.Context, *api.EventInput) error
		opts    engine.ActivityOptions
	}

	handle struct {
		mu     sync.Mutex
		done   chan struct{}
		err    error
		result *api.TurnOutput
		wfCtx  *wfCtx
	}

	wfCtx struct {
		ctx   context.Context
		id    string
		runID string
		eng   *eng

		messageCh chan api.MessageSignal
	}

	future[T any] struct {
		ready  chan struct{}
		result T
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns a new in-memory Engine implementation suitable for local
// development, tests, and simple single-process runs. It is not deterministic
// or replay-safe and should not be used for production workloads.
//
// The returned engine also implements engine.Signaler so gateways can deliver
// message signals by workflow ID.
func New() engine.Engine {
	return &eng{
		statuses: make(map[string]engine.RunStatus),
		handles:  make(map[string]*handle),
	}
}

func (e *eng) RegisterWorkflow(ctx context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterSessionActivity registers the typed session-store activity.
func (e *eng) RegisterSessionActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.SessionRequest) (*api.SessionResult, error)) error {
	if name == "" {
		return errors.New("session activity name is required")
	}
	if fn == nil {
		return errors.New("session activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionActivities == nil {
		e.sessionActivities = make(map[string]sessionActivityDef)
	}
	if _, dup := e.sessionActivities[name]; dup {
		return fmt.Errorf("session activity %q already registered", name)
	}
	e.sessionActivities[name] = sessionActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterBrainActivity registers the typed Brain invocation activity.
func (e *eng) RegisterBrainActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.BrainInput) (*api.BrainOutput, error)) error {
	if name == "" {
		return errors.New("brain activity name is required")
	}
	if fn == nil {
		return errors.New("brain activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.brainActivities == nil {
		e.brainActivities = make(map[string]brainActivityDef)
	}
	if _, dup := e.brainActivities[name]; dup {
		return fmt.Errorf("brain activity %q already registered", name)
	}
	e.brainActivities[name] = brainActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterCommitActivity registers the typed commit-and-release activity.
func (e *eng) RegisterCommitActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.CommitRequest) (*api.CommitResult, error)) error {
	if name == "" {
		return errors.New("commit activity name is required")
	}
	if fn == nil {
		return errors.New("commit activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.commitActivities == nil {
		e.commitActivities = make(map[string]commitActivityDef)
	}
	if _, dup := e.commitActivities[name]; dup {
		return fmt.Errorf("commit activity %q already registered", name)
	}
	e.commitActivities[name] = commitActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterEventActivity registers the typed event publishing activity.
func (e *eng) RegisterEventActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.EventInput) error) error {
	if name == "" {
		return errors.New("event activity name is required")
	}
	if fn == nil {
		return errors.New("event activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.eventActivities == nil {
		e.eventActivities = make(map[string]eventActivityDef)
	}
	if _, dup := e.eventActivities[name]; dup {
		return fmt.Errorf("event activity %q already registered", name)
	}
	e.eventActivities[name] = eventActivityDef{handler: fn, opts: opts}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}

	// The workflow outlives the starting call, like a real durable engine:
	// starting from inside an activity must not tie the run to that
	// activity's deadline.
	wctx := &wfCtx{
		ctx:   context.WithoutCancel(ctx),
		id:    req.ID,
		runID: req.ID, // in-memory assigns the workflow ID as the run ID
		eng:   e,

		messageCh: make(chan api.MessageSignal, 16),
	}

	h := &handle{done: make(chan struct{}), wfCtx: wctx}

	e.mu.Lock()
	if st, exists := e.statuses[req.ID]; exists && st == engine.RunStatusRunning {
		e.mu.Unlock()
		return nil, engine.ErrWorkflowAlreadyStarted
	}
	e.statuses[req.ID] = engine.RunStatusRunning
	e.handles[req.ID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result = res
		h.err = err
		h.mu.Unlock()
		e.mu.Lock()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				e.statuses[req.ID] = engine.RunStatusCanceled
			} else {
				e.statuses[req.ID] = engine.RunStatusFailed
			}
		} else {
			e.statuses[req.ID] = engine.RunStatusCompleted
		}
		e.mu.Unlock()
	}()

	return h, nil
}

// SignalByID delivers a message signal to a running workflow by ID so
// gateways can route without holding on to handles.
func (e *eng) SignalByID(ctx context.Context, workflowID, name string, payload any) error {
	e.mu.RLock()
	h, ok := e.handles[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	return h.Signal(ctx, name, payload)
}

// QueryRunStatus returns the current lifecycle status for a workflow
// execution by checking the in-memory status map.
func (e *eng) QueryRunStatus(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", fmt.Errorf("workflow id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[workflowID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

func (h *handle) Wait(ctx context.Context) (*api.TurnOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	switch name {
	case api.SignalNewMessage:
		sig, ok := payload.(api.MessageSignal)
		if !ok {
			return fmt.Errorf("signal %q expects api.MessageSignal, got %T", name, payload)
		}
		return sendSignal(ctx, h.done, h.wfCtx.messageCh, sig)
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	// In-memory: best-effort cancellation via context cancellation is not
	// wired. Return nil to match no-op behavior.
	return nil
}

func (w *wfCtx) Context() context.Context {
	return engine.WithWorkflowContext(w.ctx, w)
}

func (w *wfCtx) WorkflowID() string {
	return w.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// NewTimer returns a future that closes after d of wall-clock time. A
// non-positive duration is ready immediately.
func (w *wfCtx) NewTimer(ctx context.Context, d time.Duration) (engine.Future[time.Time], error) {
	fut := &future[time.Time]{ready: make(chan struct{})}
	if d <= 0 {
		fut.result = time.Now()
		close(fut.ready)
		return fut, nil
	}
	time.AfterFunc(d, func() {
		fut.result = time.Now()
		close(fut.ready)
	})
	return fut, nil
}

func (w *wfCtx) ExecuteSessionActivity(ctx context.Context, call engine.SessionActivityCall) (*api.SessionResult, error) {
	if call.Name == "" {
		return nil, errors.New("session activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("session activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.sessionActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(ctx, resolveTimeout(call.Options, def.opts))
	defer cancel()
	return def.handler(engine.WithActivityContext(actCtx), call.Input)
}

func (w *wfCtx) ExecuteBrainActivity(ctx context.Context, call engine.BrainActivityCall) (*api.BrainOutput, error) {
	fut, err := w.ExecuteBrainActivityAsync(ctx, call)
	if err != nil {
		return nil, err
	}
	return fut.Get(ctx)
}

func (w *wfCtx) ExecuteBrainActivityAsync(ctx context.Context, call engine.BrainActivityCall) (engine.Future[*api.BrainOutput], error) {
	if call.Name == "" {
		return nil, errors.New("brain activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("brain activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.brainActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("brain activity %q not registered", call.Name)
	}

	fut := &future[*api.BrainOutput]{ready: make(chan struct{})}
	go func() {
		defer close(fut.ready)
		actCtx, cancel := withOptionalTimeout(ctx, resolveTimeout(call.Options, def.opts))
		defer cancel()
		fut.result, fut.err = def.handler(engine.WithActivityContext(actCtx), call.Input)
	}()
	return fut, nil
}

func (w *wfCtx) ExecuteCommitActivity(ctx context.Context, call engine.CommitActivityCall) (*api.CommitResult, error) {
	if call.Name == "" {
		return nil, errors.New("commit activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("commit activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.commitActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("commit activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(ctx, resolveTimeout(call.Options, def.opts))
	defer cancel()
	return def.handler(engine.WithActivityContext(actCtx), call.Input)
}

func (w *wfCtx) PublishEvent(ctx context.Context, call engine.EventActivityCall) error {
	if call.Name == "" {
		return errors.New("event activity name is required")
	}
	if call.Input == nil {
		return errors.New("event activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.eventActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("event activity %q not registered", call.Name)
	}
	actCtx, cancel := withOptionalTimeout(ctx, resolveTimeout(call.Options, def.opts))
	defer cancel()
	return def.handler(engine.WithActivityContext(actCtx), call.Input)
}

func (w *wfCtx) NewMessages() engine.Receiver[api.MessageSignal] {
	return receiver[api.MessageSignal]{ch: w.messageCh}
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case val := <-r.ch:
		return val, nil
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-f.ready:
		return f.result, f.err
	}
}

func (f *future[T]) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("workflow completed")
	case ch <- payload:
		return nil
	}
}

func resolveTimeout(call, registered engine.ActivityOptions) time.Duration {
	if call.Timeout != 0 {
		return call.Timeout
	}
	return registered.Timeout
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	return ctx, cancel
}
