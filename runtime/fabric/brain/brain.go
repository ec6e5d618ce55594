// Package brain defines the contract between the fabric and the agent logic
// it hosts. The fabric owns timing, mutual exclusion, and supersession; the
// Brain owns what to say and which tools to call. The fabric never interprets
// message content beyond the surface heuristics of the accumulation layer.
package brain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/commit"
	"goa.design/fabric/runtime/fabric/supersede"
	"goa.design/fabric/runtime/fabric/telemetry"
	"goa.design/fabric/runtime/fabric/turn"
)

// ErrInterrupted is returned by TurnContext.CheckInterrupt once a supersede
// has been enforced against the running turn. Brains should stop at the next
// interrupt point and return promptly.
var ErrInterrupted = errors.New("turn interrupted")

type (
	// Brain processes one logical turn. Think receives a TurnContext scoped
	// to the turn and returns the outbound response plus hints for the next
	// turn. Think runs inside an activity: it may perform arbitrary I/O, and
	// it should check tc.CheckInterrupt at natural pause points so an
	// enforced supersede does not waste a full processing pass.
	Brain interface {
		Think(ctx context.Context, tc *TurnContext) (*Result, error)
	}

	// SupersedeDecider is implemented by Brains that want to choose how an
	// in-flight turn reacts to a new message. Brains that do not implement
	// it get the fabric's default policy.
	SupersedeDecider interface {
		DecideSupersede(ctx context.Context, req DecideRequest) (supersede.Decision, error)
	}

	// DecideRequest describes the conflict a SupersedeDecider must resolve.
	DecideRequest struct {
		// Current is a snapshot of the in-flight turn.
		Current *turn.Turn
		// NewMessage is the message that arrived while Current was in flight.
		NewMessage api.Message
		// CanSupersede reports whether the fabric would allow a SUPERSEDE;
		// deciders returning SUPERSEDE past the commit point get QUEUE.
		CanSupersede bool
	}

	// Result is what Think produces.
	Result struct {
		// ResponseSegments are the outbound response parts in order. Empty
		// means the Brain chose not to respond.
		ResponseSegments []string
		// ExpectsMoreInput is set when the Brain anticipates an immediate
		// reply (it asked a question, requested a field).
		ExpectsMoreInput bool
		// NextHint biases the accumulation wait of the session's next turn.
		NextHint *turn.AccumulationHint
	}

	// TurnContext is the Brain's window into the fabric for one turn. It is
	// not serializable; the runtime rebuilds it inside each brain activity
	// invocation. Methods are safe for concurrent use from goroutines the
	// Brain spawns during Think.
	TurnContext struct {
		tn      *turn.Turn
		msgs    []api.Message
		tracker *commit.Tracker
		logger  telemetry.Logger

		peekPending func(ctx context.Context) (int, error)
		emit        func(ctx context.Context, eventType string, payload map[string]any)

		interrupted atomic.Bool

		mu           sync.Mutex
		effects      []turn.SideEffect
		artifacts    map[int]json.RawMessage
		checkpointed bool
		pendingSeen  bool
	}

	// TurnContextConfig wires a TurnContext to the runtime.
	TurnContextConfig struct {
		// Turn is the snapshot of the turn being processed.
		Turn *turn.Turn
		// Messages are the admitted messages for the turn, in arrival order.
		Messages []api.Message
		// Tracker classifies tools and validates side effect recording.
		Tracker *commit.Tracker
		// Logger receives Brain-side diagnostics.
		Logger telemetry.Logger
		// PeekPending returns the session's pending queue length.
		PeekPending func(ctx context.Context) (int, error)
		// Emit publishes an event on the fabric's router.
		Emit func(ctx context.Context, eventType string, payload map[string]any)
	}
)

// NewTurnContext builds a TurnContext for one brain activity invocation.
func NewTurnContext(cfg TurnContextConfig) *TurnContext {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = commit.NewTracker()
	}
	return &TurnContext{
		tn:          cfg.Turn,
		msgs:        cfg.Messages,
		tracker:     tracker,
		logger:      logger,
		peekPending: cfg.PeekPending,
		emit:        cfg.Emit,
		artifacts:   make(map[int]json.RawMessage),
	}
}

// Turn returns the snapshot of the turn being processed. The Brain must not
// mutate it; all mutation flows through TurnContext methods.
func (tc *TurnContext) Turn() *turn.Turn {
	return tc.tn
}

// Messages returns the turn's admitted messages in arrival order.
func (tc *TurnContext) Messages() []api.Message {
	return tc.msgs
}

// HasPendingMessages reports whether more input is already waiting for this
// session. The answer is monotonic within one Think: once true it stays true
// even if the queue drains, so a Brain that decided to wrap up briefly does
// not flip back mid-phase.
func (tc *TurnContext) HasPendingMessages(ctx context.Context) (bool, error) {
	tc.mu.Lock()
	seen := tc.pendingSeen
	tc.mu.Unlock()
	if seen {
		return true, nil
	}
	if tc.peekPending == nil {
		return false, nil
	}
	n, err := tc.peekPending(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		tc.mu.Lock()
		tc.pendingSeen = true
		tc.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// RecordSideEffect registers an effect the Brain just executed. Policy
// resolution falls back to the tracker's tool classification when policy is
// empty. Recording an irreversible effect moves the turn past its commit
// point.
func (tc *TurnContext) RecordSideEffect(ctx context.Context, effectType, toolName string, policy turn.Policy, opts ...commit.EffectOption) error {
	if policy == "" {
		policy = tc.tracker.ClassifyToolPolicy(toolName)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	effect, err := tc.tracker.RecordSideEffect(tc.tn, effectType, policy, append([]commit.EffectOption{commit.WithTool(toolName)}, opts...)...)
	if err != nil {
		return err
	}
	tc.effects = append(tc.effects, effect)
	if tc.emit != nil {
		tc.emit(ctx, "tool.executed", map[string]any{
			"tool":   toolName,
			"policy": string(policy),
		})
	}
	return nil
}

// IdempotencyKey builds the dedupe key the Brain must pass to tools with
// business consequences. Turns in one supersede chain share the key scope.
func (tc *TurnContext) IdempotencyKey(toolName, businessKey string) string {
	return commit.IdempotencyKey(toolName, businessKey, tc.tn.GroupID)
}

// MarkScenarioCheckpoint flags the turn as past a scenario checkpoint, which
// counts as a commit point even without irreversible effects.
func (tc *TurnContext) MarkScenarioCheckpoint() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if err := tc.tn.MarkScenarioCheckpoint(); err != nil {
		return err
	}
	tc.checkpointed = true
	return nil
}

// RecordPhaseArtifact caches an intermediate phase output so an ABSORB with
// a phase restart can resume without recomputing earlier phases.
func (tc *TurnContext) RecordPhaseArtifact(phase int, artifact json.RawMessage) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if err := tc.tn.SetPhaseArtifact(phase, artifact); err != nil {
		return err
	}
	tc.artifacts[phase] = artifact
	return nil
}

// PhaseArtifact returns a previously cached phase output, if any. Artifacts
// recorded by a superseded predecessor in the same group are visible here.
func (tc *TurnContext) PhaseArtifact(phase int) (json.RawMessage, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	blob, ok := tc.tn.PhaseArtifacts[phase]
	return blob, ok
}

// EmitEvent publishes a custom event on the fabric's router, attributed to
// this turn.
func (tc *TurnContext) EmitEvent(ctx context.Context, eventType string, payload map[string]any) {
	if tc.emit == nil {
		return
	}
	tc.emit(ctx, eventType, payload)
}

// CheckInterrupt returns ErrInterrupted once a supersede has been enforced
// against this turn, and records where processing stopped. Brains should
// call it at natural pause points (between phases, before expensive calls).
func (tc *TurnContext) CheckInterrupt(point string) error {
	if !tc.interrupted.Load() {
		return nil
	}
	tc.mu.Lock()
	if tc.tn.InterruptPoint == "" {
		tc.tn.InterruptPoint = point
	}
	tc.mu.Unlock()
	return ErrInterrupted
}

// RequestInterrupt asks the running Think to stop at its next interrupt
// point. Called by the runtime when a supersede is enforced.
func (tc *TurnContext) RequestInterrupt() {
	tc.interrupted.Store(true)
}

// Output assembles the activity output from the turn context state and the
// Brain's result.
func (tc *TurnContext) Output(res *Result) *api.BrainOutput {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := &api.BrainOutput{
		Artifacts:          tc.artifacts,
		SideEffects:        tc.effects,
		ScenarioCheckpoint: tc.checkpointed,
		Interrupted:        tc.interrupted.Load(),
		InterruptPoint:     tc.tn.InterruptPoint,
	}
	if res != nil {
		out.ResponseSegments = res.ResponseSegments
		out.ExpectsMoreInput = res.ExpectsMoreInput
		out.NextHint = res.NextHint
	}
	return out
}

// Func adapts a function to the Brain interface.
type Func func(ctx context.Context, tc *TurnContext) (*Result, error)

// Think invokes the function.
func (f Func) Think(ctx context.Context, tc *TurnContext) (*Result, error) {
	return f(ctx, tc)
}

// hintAge is how long a stored accumulation hint stays relevant.
const hintAge = 10 * time.Minute

// HintFresh reports whether a hint produced at the given time should still
// bias accumulation.
func HintFresh(producedAt, now time.Time) bool {
	return now.Sub(producedAt) <= hintAge
}
