// Package accumulate computes the adaptive accumulation wait: how long a turn
// should linger for more raw messages before handing the batch to the Brain.
// The computation is deterministic and performs no I/O, so it is safe to call
// from replayed workflow code.
package accumulate

import (
	"math"
	"time"

	"goa.design/fabric/runtime/fabric/config"
	"goa.design/fabric/runtime/fabric/turn"
)

// Manager computes accumulation waits from channel defaults, message shape,
// user cadence, and the previous turn's hint.
type Manager struct {
	cfg config.Accumulation
}

// NewManager returns a Manager using the given accumulation knobs.
func NewManager(cfg config.Accumulation) *Manager {
	return &Manager{cfg: cfg}
}

// Shape adjustments added on top of the channel base wait.
var shapeAdjustments = map[Shape]time.Duration{
	ShapeGreetingOnly:       500 * time.Millisecond,
	ShapeFragment:           400 * time.Millisecond,
	ShapeIncompleteEntity:   600 * time.Millisecond,
	ShapePossiblyIncomplete: 200 * time.Millisecond,
	ShapeLikelyComplete:     0,
}

const (
	explicitCompletionCredit = 300 * time.Millisecond
	awaitingFieldBoost       = 1000 * time.Millisecond
	expectsFollowupBoost     = 500 * time.Millisecond
	highConfidenceCredit     = 200 * time.Millisecond
	highConfidenceThreshold  = 0.8
	cadenceBaseWeight        = 0.6
	multiMessageDecay        = 0.8
)

// SuggestWait returns the wait before the current turn stops accumulating.
// A zero return means the channel bypasses accumulation entirely. Non-zero
// results are clamped to [MinWait, MaxWait].
func (m *Manager) SuggestWait(
	content string,
	channel string,
	cadence CadenceStats,
	previous *turn.AccumulationHint,
	messagesInTurn int,
) time.Duration {
	base, ok := m.cfg.ChannelDefaults[channel]
	if !ok {
		base = m.cfg.UnknownChannelDefault
	}
	if base == 0 {
		return 0
	}

	wait := base + shapeAdjustments[ClassifyShape(content)]

	if HasExplicitCompletion(content) {
		wait -= explicitCompletionCredit
		if wait < m.cfg.MinWait {
			wait = m.cfg.MinWait
		}
	}

	if cadence.Trustworthy() {
		blend := float64(cadence.P50+cadence.P95) / 2
		wait = time.Duration(math.Round(cadenceBaseWeight*float64(wait) + (1-cadenceBaseWeight)*blend))
	}

	// First matching hint rule wins.
	if previous != nil {
		switch {
		case previous.AwaitingRequiredField:
			wait += awaitingFieldBoost
		case previous.ExpectsFollowup:
			wait += expectsFollowupBoost
		case previous.InputCompleteConfidence > highConfidenceThreshold:
			wait -= highConfidenceCredit
		}
	}

	if messagesInTurn > 1 {
		wait = time.Duration(float64(wait) * math.Pow(multiMessageDecay, float64(messagesInTurn-1)))
	}

	if wait < m.cfg.MinWait {
		wait = m.cfg.MinWait
	}
	if wait > m.cfg.MaxWait {
		wait = m.cfg.MaxWait
	}
	return wait
}
