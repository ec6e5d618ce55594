// Package commit tracks the point of no return for a logical turn: which
// side effects have executed, how reversible they are, and whether the turn
// may still be superseded. The authoritative tool→policy map belongs to the
// external Toolbox; the tracker only holds a configured snapshot of it.
package commit

import (
	"fmt"
	"time"

	"goa.design/fabric/runtime/fabric/turn"
)

// Tracker classifies tools and records side effects against turns.
// RecordSideEffect must only be called while holding the session mutex for
// the turn's key; the tracker itself holds no locks.
type Tracker struct {
	policies map[string]turn.Policy
	fallback turn.Policy
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithToolPolicy registers a tool's default reversibility policy.
func WithToolPolicy(toolName string, policy turn.Policy) Option {
	return func(t *Tracker) { t.policies[toolName] = policy }
}

// WithToolPolicies registers a batch of tool policies.
func WithToolPolicies(policies map[string]turn.Policy) Option {
	return func(t *Tracker) {
		for name, p := range policies {
			t.policies[name] = p
		}
	}
}

// WithFallbackPolicy sets the policy for unknown tools. The default fallback
// is irreversible: an unclassified tool must be assumed unsafe to repeat.
func WithFallbackPolicy(policy turn.Policy) Option {
	return func(t *Tracker) { t.fallback = policy }
}

// NewTracker builds a tracker from the given options.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		policies: make(map[string]turn.Policy),
		fallback: turn.PolicyIrreversible,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HasReachedCommitPoint reports whether the turn is past the point of no
// return: an irreversible effect was recorded or a scenario checkpoint was
// marked.
func (t *Tracker) HasReachedCommitPoint(tn *turn.Turn) bool {
	return tn.HasIrreversibleEffect() || tn.ScenarioCheckpoint
}

// EffectOption sets optional SideEffect fields.
type EffectOption func(*turn.SideEffect)

// WithTool attributes the effect to the named tool.
func WithTool(toolName string) EffectOption {
	return func(e *turn.SideEffect) { e.ToolName = toolName }
}

// WithIdempotencyKey records the dedupe key the effect was executed under.
func WithIdempotencyKey(key string) EffectOption {
	return func(e *turn.SideEffect) { e.IdempotencyKey = key }
}

// WithDetails attaches effect-specific metadata.
func WithDetails(details map[string]any) EffectOption {
	return func(e *turn.SideEffect) { e.Details = details }
}

// RecordSideEffect appends an effect to the turn. It fails only when the
// turn is terminal; the append is otherwise linearized with turn persistence
// by the caller holding the session mutex.
func (t *Tracker) RecordSideEffect(tn *turn.Turn, effectType string, policy turn.Policy, opts ...EffectOption) (turn.SideEffect, error) {
	effect := turn.SideEffect{
		EffectType: effectType,
		Policy:     policy,
		ExecutedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&effect)
	}
	if err := tn.AppendSideEffect(effect); err != nil {
		return turn.SideEffect{}, err
	}
	return effect, nil
}

// ClassifyToolPolicy resolves a tool's default policy from the configured
// snapshot, falling back to the tracker's fallback policy for unknown tools.
func (t *Tracker) ClassifyToolPolicy(toolName string) turn.Policy {
	if p, ok := t.policies[toolName]; ok {
		return p
	}
	return t.fallback
}

// IdempotencyKey builds the dedupe key tools must be invoked with. It is a
// pure function of its inputs: turns in one supersede chain share a group ID
// and therefore dedupe, while a queued next turn gets a fresh group ID and
// may re-execute.
func IdempotencyKey(toolName, businessKey, turnGroupID string) string {
	return fmt.Sprintf("%s:%s:turn_group:%s", toolName, businessKey, turnGroupID)
}
