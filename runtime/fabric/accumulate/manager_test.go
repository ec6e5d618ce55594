package accumulate

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/fabric/runtime/fabric/config"
	"goa.design/fabric/runtime/fabric/turn"
)

func newManager() *Manager {
	return NewManager(config.Default().Accumulation)
}

func TestNoAccumulationChannels(t *testing.T) {
	m := newManager()
	for _, channel := range []string{"email", "voice", "api"} {
		require.Zero(t, m.SuggestWait("Please cancel order 42.", channel, CadenceStats{}, nil, 1), "channel %s", channel)
	}
}

func TestGreetingOnWebchat(t *testing.T) {
	m := newManager()
	wait := m.SuggestWait("hi", "webchat", CadenceStats{}, nil, 1)
	require.Equal(t, 1100*time.Millisecond, wait) // 600 base + 500 greeting
}

func TestExplicitCompletionCredit(t *testing.T) {
	m := newManager()
	withPeriod := m.SuggestWait("I want to cancel my order.", "whatsapp", CadenceStats{}, nil, 1)
	withoutPeriod := m.SuggestWait("I want to cancel my order", "whatsapp", CadenceStats{}, nil, 1)
	require.Equal(t, withoutPeriod-300*time.Millisecond, withPeriod)

	polite := m.SuggestWait("cancel my order please", "whatsapp", CadenceStats{}, nil, 1)
	require.Equal(t, withPeriod, polite)
}

func TestUnknownChannelDefault(t *testing.T) {
	m := newManager()
	wait := m.SuggestWait("tell me about my account status", "carrier-pigeon", CadenceStats{}, nil, 1)
	require.Equal(t, 800*time.Millisecond, wait)
}

func TestCadenceBlendRequiresSamples(t *testing.T) {
	m := newManager()
	fast := CadenceStats{P50: 300 * time.Millisecond, P95: 500 * time.Millisecond, Samples: 20}
	sparse := CadenceStats{P50: 300 * time.Millisecond, P95: 500 * time.Millisecond, Samples: 3}

	blended := m.SuggestWait("checking on my refund for sure", "whatsapp", fast, nil, 1)
	unblended := m.SuggestWait("checking on my refund for sure", "whatsapp", sparse, nil, 1)

	// 0.6*1200 + 0.4*400 = 880
	require.Equal(t, 880*time.Millisecond, blended)
	require.Equal(t, 1200*time.Millisecond, unblended)
}

func TestHintRulesFirstMatchWins(t *testing.T) {
	m := newManager()
	base := m.SuggestWait("the order number is 42 ok", "sms", CadenceStats{}, nil, 1)

	both := &turn.AccumulationHint{AwaitingRequiredField: true, ExpectsFollowup: true}
	require.Equal(t, base+1000*time.Millisecond, m.SuggestWait("the order number is 42 ok", "sms", CadenceStats{}, both, 1))

	followup := &turn.AccumulationHint{ExpectsFollowup: true}
	require.Equal(t, base+500*time.Millisecond, m.SuggestWait("the order number is 42 ok", "sms", CadenceStats{}, followup, 1))

	confident := &turn.AccumulationHint{InputCompleteConfidence: 0.9}
	require.Equal(t, base-200*time.Millisecond, m.SuggestWait("the order number is 42 ok", "sms", CadenceStats{}, confident, 1))
}

func TestMultiMessageDecay(t *testing.T) {
	m := newManager()
	first := m.SuggestWait("and also the delivery address", "whatsapp", CadenceStats{}, nil, 1)
	second := m.SuggestWait("and also the delivery address", "whatsapp", CadenceStats{}, nil, 2)
	third := m.SuggestWait("and also the delivery address", "whatsapp", CadenceStats{}, nil, 3)
	require.Less(t, second, first)
	require.Less(t, third, second)
	require.InDelta(t, float64(first)*0.8, float64(second), float64(time.Millisecond))
}

// Every non-bypass wait stays inside [MinWait, MaxWait] no matter the inputs.
func TestSuggestWaitBoundsProperty(t *testing.T) {
	m := newManager()
	cfg := config.Default().Accumulation

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	channels := gen.OneConstOf("whatsapp", "telegram", "sms", "web", "webchat", "slack", "teams", "smoke-signal")
	properties.Property("wait within clamp", prop.ForAll(
		func(content string, channel string, p50ms int, p95ms int, samples int, awaiting bool, followup bool, confidence float64, msgs int) bool {
			cadence := CadenceStats{
				P50:     time.Duration(p50ms) * time.Millisecond,
				P95:     time.Duration(p95ms) * time.Millisecond,
				Samples: samples,
			}
			hint := &turn.AccumulationHint{
				AwaitingRequiredField:   awaiting,
				ExpectsFollowup:         followup,
				InputCompleteConfidence: confidence,
			}
			wait := m.SuggestWait(content, channel, cadence, hint, msgs)
			return wait >= cfg.MinWait && wait <= cfg.MaxWait
		},
		gen.AnyString(),
		channels,
		gen.IntRange(0, 60000),
		gen.IntRange(0, 120000),
		gen.IntRange(0, 100),
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0, 1),
		gen.IntRange(1, 12),
	))
	properties.TestingRun(t)
}
