package commit

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/turn"
)

func processingTurn(t *testing.T) *turn.Turn {
	t.Helper()
	key, err := session.BuildKey("tenant-1", "agent-1", "user-1", "webchat")
	require.NoError(t, err)
	tn := turn.New(key, "m1", time.Now())
	require.NoError(t, tn.MarkProcessing(turn.ReasonTimeout))
	return tn
}

func TestCommitPointFromIrreversibleEffect(t *testing.T) {
	tracker := NewTracker(WithToolPolicy("send_email", turn.PolicyIrreversible))
	tn := processingTurn(t)
	require.False(t, tracker.HasReachedCommitPoint(tn))

	_, err := tracker.RecordSideEffect(tn, "tool_execution", tracker.ClassifyToolPolicy("send_email"), WithTool("send_email"))
	require.NoError(t, err)
	require.True(t, tracker.HasReachedCommitPoint(tn))
	require.False(t, tn.CanAbsorbMessage())
}

func TestCommitPointFromScenarioCheckpoint(t *testing.T) {
	tracker := NewTracker()
	tn := processingTurn(t)
	require.NoError(t, tn.MarkScenarioCheckpoint())
	require.True(t, tracker.HasReachedCommitPoint(tn))
}

func TestRecordSideEffectFailsOnlyWhenTerminal(t *testing.T) {
	tracker := NewTracker()
	tn := processingTurn(t)
	_, err := tracker.RecordSideEffect(tn, "tool_execution", turn.PolicyReversible, WithTool("lookup"))
	require.NoError(t, err)

	require.NoError(t, tn.MarkComplete())
	_, err = tracker.RecordSideEffect(tn, "tool_execution", turn.PolicyReversible)
	require.ErrorIs(t, err, turn.ErrTerminal)
}

func TestRecordSideEffectOrder(t *testing.T) {
	tracker := NewTracker()
	tn := processingTurn(t)
	for _, name := range []string{"a", "b", "c"} {
		_, err := tracker.RecordSideEffect(tn, "tool_execution", turn.PolicyIdempotent, WithTool(name))
		require.NoError(t, err)
	}
	require.Len(t, tn.SideEffects, 3)
	require.Equal(t, "a", tn.SideEffects[0].ToolName)
	require.Equal(t, "c", tn.SideEffects[2].ToolName)
}

func TestClassifyToolPolicyFallback(t *testing.T) {
	tracker := NewTracker(WithToolPolicies(map[string]turn.Policy{
		"lookup_order": turn.PolicyIdempotent,
		"issue_refund": turn.PolicyCompensatable,
	}))
	require.Equal(t, turn.PolicyIdempotent, tracker.ClassifyToolPolicy("lookup_order"))
	require.Equal(t, turn.PolicyCompensatable, tracker.ClassifyToolPolicy("issue_refund"))
	require.Equal(t, turn.PolicyIrreversible, tracker.ClassifyToolPolicy("never_heard_of_it"))

	lenient := NewTracker(WithFallbackPolicy(turn.PolicyIdempotent))
	require.Equal(t, turn.PolicyIdempotent, lenient.ClassifyToolPolicy("never_heard_of_it"))
}

func TestIdempotencyKeyShape(t *testing.T) {
	key := IdempotencyKey("send_email", "order-42", "group-1")
	require.Equal(t, "send_email:order-42:turn_group:group-1", key)
}

// The idempotency key is a pure function of its three inputs.
func TestIdempotencyKeyPurityProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("deterministic and input-sensitive", prop.ForAll(
		func(tool, business, group string) bool {
			a := IdempotencyKey(tool, business, group)
			b := IdempotencyKey(tool, business, group)
			if a != b {
				return false
			}
			return IdempotencyKey(tool, business, group+"x") != a
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))
	properties.TestingRun(t)
}
