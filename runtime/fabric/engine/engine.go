// Package engine defines workflow engine abstractions for durable turn
// execution. It provides pluggable interfaces so the fabric runtime can
// target Temporal, in-memory, or custom backends without modification.
//
// # Core Abstractions
//
//   - Engine: Registers the turn workflow and its activities, starts workflow
//     executions. The runtime calls Engine methods during registration and
//     message delivery.
//
//   - WorkflowContext: Provides deterministic operations inside the workflow
//     handler. The turn workflow uses this to schedule activities, receive
//     message signals, and run accumulation timers. Implementations must
//     ensure replay-safe behavior.
//
//   - WorkflowHandle: Represents a running turn workflow. Callers use handles
//     to wait for completion, send signals, or cancel execution.
//
//   - Future[T]: Represents a pending result (activity or timer). Enables
//     the accumulation loop to race a wake-up timer against signal arrival.
//
//   - Receiver[T]: Delivers typed signals to workflows in a deterministic
//     way. The fabric uses a single MessageSignal receiver.
//
// # Determinism Requirements
//
// The workflow handler runs in a deterministic environment where the same
// inputs and history must produce the same outputs. WorkflowContext enforces
// this by providing Now() instead of time.Now(), requiring activities for all
// I/O, and using replay-safe signal channels. Activities (session store
// operations, Brain invocation, commits, event publishing) are NOT
// deterministic and can perform arbitrary I/O.
package engine

import (
	"context"
	"errors"
	"time"

	"goa.design/fabric/runtime/fabric/api"
)

// RunStatus represents the lifecycle state of a workflow execution.
type RunStatus string

const (
	// RunStatusPending indicates the workflow has been accepted but not started yet.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
)

var (
	// ErrWorkflowNotFound indicates that no workflow execution exists for the
	// given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowAlreadyStarted indicates a workflow with the same ID is
	// already running. The gateway treats this as "signal instead".
	ErrWorkflowAlreadyStarted = errors.New("workflow already started")
)

type (
	// Engine abstracts workflow registration and execution so adapters
	// (Temporal, in-memory, or custom) can be swapped without touching the
	// fabric runtime. Implementations translate these generic types into
	// backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers the turn workflow definition.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterSessionActivity registers the typed session-store activity
		// that multiplexes mutex, index, and pending-queue operations.
		RegisterSessionActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.SessionRequest) (*api.SessionResult, error)) error

		// RegisterBrainActivity registers the typed Brain invocation activity.
		RegisterBrainActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.BrainInput) (*api.BrainOutput, error)) error

		// RegisterCommitActivity registers the typed commit-and-release activity.
		RegisterCommitActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.CommitRequest) (*api.CommitResult, error)) error

		// RegisterEventActivity registers the typed event publishing activity.
		// Implementations must run event publishing outside the deterministic
		// workflow thread so listeners can perform I/O.
		RegisterEventActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.EventInput) error) error

		// StartWorkflow initiates a new workflow execution and returns a
		// handle for interacting with it. The workflow ID in req must be
		// unique among running workflows; starting a duplicate returns
		// ErrWorkflowAlreadyStarted.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus returns the current lifecycle status for a workflow
		// execution identified by workflowID.
		QueryRunStatus(ctx context.Context, workflowID string) (RunStatus, error)
	}

	// Signaler provides direct signaling by workflow ID without relying on
	// in-process workflow handles. Engines that support out-of-process
	// signaling (e.g., Temporal) implement this so the gateway can deliver
	// message signals across process restarts.
	Signaler interface {
		// SignalByID sends a signal to the workflow identified by workflowID.
		// The payload must be serializable by the engine client.
		SignalByID(ctx context.Context, workflowID, name string, payload any) error
	}

	// WorkflowDefinition binds the turn workflow handler to a logical name
	// and default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is the workflow function invoked by the engine.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the turn workflow entry point. Implementations must be
	// deterministic with respect to activity results.
	WorkflowFunc func(ctx WorkflowContext, input *api.TurnInput) (*api.TurnOutput, error)

	// WorkflowContext exposes engine operations to the workflow handler
	// within the deterministic execution environment. It wraps engine
	// specific contexts (Temporal workflow.Context, in-memory contexts) and
	// provides a uniform API for activity execution, signal handling, and
	// timers.
	//
	// Thread-safety: WorkflowContext is bound to a single workflow execution
	// and must not be shared across goroutines.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. In deterministic
		// engines this is a replay-aware context.
		Context() context.Context

		// WorkflowID returns the unique identifier for this workflow execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteSessionActivity schedules a session-store operation and
		// blocks until it completes.
		ExecuteSessionActivity(ctx context.Context, call SessionActivityCall) (*api.SessionResult, error)

		// ExecuteBrainActivity schedules the Brain invocation and blocks
		// until it completes.
		ExecuteBrainActivity(ctx context.Context, call BrainActivityCall) (*api.BrainOutput, error)

		// ExecuteBrainActivityAsync schedules the Brain invocation and
		// returns a Future so the workflow can keep receiving signals while
		// the Brain thinks.
		ExecuteBrainActivityAsync(ctx context.Context, call BrainActivityCall) (Future[*api.BrainOutput], error)

		// ExecuteCommitActivity schedules the commit-and-release step and
		// blocks until it completes.
		ExecuteCommitActivity(ctx context.Context, call CommitActivityCall) (*api.CommitResult, error)

		// PublishEvent schedules the event publishing activity and waits for
		// completion.
		PublishEvent(ctx context.Context, call EventActivityCall) error

		// NewMessages returns the typed receiver for message signals.
		NewMessages() Receiver[api.MessageSignal]

		// Now returns the current workflow time in a deterministic manner.
		Now() time.Time

		// NewTimer returns a Future that becomes ready after the given
		// duration elapses in workflow time. A non-positive duration produces
		// a Future that is already ready.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks until condition returns true, or ctx is done.
		// Condition must be deterministic and side-effect free.
		Await(ctx context.Context, condition func() bool) error
	}

	// Future represents a pending result that becomes available after an
	// activity or timer completes. Calling Get multiple times is safe and
	// returns the same result/error each time.
	Future[T any] interface {
		// Get blocks until the result is available and returns it.
		Get(ctx context.Context) (T, error)

		// IsReady returns true if the result is available and Get will not
		// block.
		IsReady() bool
	}

	// Receiver exposes typed workflow signal delivery in an engine-agnostic
	// way. Implementations wrap engine-specific channels and provide blocking
	// and non-blocking receive helpers so workflow code can react to external
	// events deterministically.
	Receiver[T any] interface {
		// Receive blocks until a signal value is delivered and returns it.
		Receive(ctx context.Context) (T, error)

		// ReceiveAsync attempts to receive a signal without blocking.
		ReceiveAsync() (T, bool)
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. If empty, the activity
		// inherits the workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior for this activity. If
		// zero-valued, the engine uses its default retry policy.
		RetryPolicy RetryPolicy
		// Timeout bounds the total activity execution time, including
		// retries. Zero means no timeout (not recommended for production).
		Timeout time.Duration
		// HeartbeatTimeout bounds the gap between activity heartbeats. The
		// brain activity heartbeats while extending the session mutex.
		HeartbeatTimeout time.Duration
	}

	// SessionActivityCall describes a single session-store activity invocation.
	SessionActivityCall struct {
		// Name identifies the registered session activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.SessionRequest
		// Options overrides the registered activity defaults for this invocation.
		Options ActivityOptions
	}

	// BrainActivityCall describes a single Brain activity invocation.
	BrainActivityCall struct {
		// Name identifies the registered brain activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.BrainInput
		// Options overrides the registered activity defaults for this invocation.
		Options ActivityOptions
	}

	// CommitActivityCall describes a single commit activity invocation.
	CommitActivityCall struct {
		// Name identifies the registered commit activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.CommitRequest
		// Options overrides the registered activity defaults for this invocation.
		Options ActivityOptions
	}

	// EventActivityCall describes a single event publishing invocation.
	EventActivityCall struct {
		// Name identifies the registered event activity.
		Name string
		// Input is the typed payload passed to the activity handler.
		Input *api.EventInput
		// Options overrides the registered activity defaults for this invocation.
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a turn workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique among running workflows.
		// The fabric derives it from the session key and message ID.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on.
		TaskQueue string
		// Input is the typed payload passed to the workflow handler.
		Input *api.TurnInput
		// RunTimeout bounds the total workflow execution time at the engine
		// level. Zero means use the engine default.
		RunTimeout time.Duration
		// Memo stores small diagnostic payloads alongside the execution.
		Memo map[string]any
		// SearchAttributes captures indexed metadata for visibility queries.
		SearchAttributes map[string]any
	}

	// WorkflowHandle allows callers to interact with a running workflow.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns the typed
		// result. Returns an error if the workflow fails or is cancelled.
		Wait(ctx context.Context) (*api.TurnOutput, error)

		// Signal sends an asynchronous message to the workflow. Returns an
		// error if the signal cannot be delivered (e.g., workflow already
		// completed).
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and activities.
	// Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of retry attempts. Zero means
		// unlimited retries.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry. Values
		// < 1 are treated as 1.
		BackoffCoefficient float64
	}
)
