package supersede

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/fabric/runtime/fabric/commit"
	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/turn"
)

func newFixture(t *testing.T) (*Coordinator, *commit.Tracker, *turn.Turn) {
	t.Helper()
	key, err := session.BuildKey("tenant-1", "agent-1", "user-1", "whatsapp")
	require.NoError(t, err)
	tracker := commit.NewTracker(commit.WithToolPolicy("send_email", turn.PolicyIrreversible))
	return NewCoordinator(tracker), tracker, turn.New(key, "m1", time.Now())
}

func TestCanSupersedeByStatus(t *testing.T) {
	c, tracker, tn := newFixture(t)
	require.True(t, c.CanSupersede(tn), "accumulating always supersedable")

	require.NoError(t, tn.MarkProcessing(turn.ReasonTimeout))
	require.True(t, c.CanSupersede(tn), "processing before commit point")

	_, err := tracker.RecordSideEffect(tn, "tool_execution", turn.PolicyIrreversible, commit.WithTool("send_email"))
	require.NoError(t, err)
	require.False(t, c.CanSupersede(tn), "irreversible effect blocks supersession")

	require.NoError(t, tn.MarkComplete())
	require.False(t, c.CanSupersede(tn))
}

func TestEnforceSupersedeInheritsGroup(t *testing.T) {
	c, _, tn := newFixture(t)
	require.NoError(t, tn.MarkProcessing(turn.ReasonTimeout))

	successor, err := c.EnforceDecision(Decision{Action: ActionSupersede, Reason: "fresh intent"}, tn, "m2", time.Now(), "")
	require.NoError(t, err)

	require.Equal(t, turn.StatusSuperseded, tn.Status)
	require.Equal(t, successor.ID, tn.SupersededBy)
	require.NotEqual(t, tn.ID, successor.ID)
	require.Equal(t, tn.GroupID, successor.GroupID, "supersede chain shares the idempotency scope")
	require.Equal(t, tn.ID, successor.SupersededFrom)
	require.Equal(t, []string{"m2"}, successor.Messages)
	require.Equal(t, turn.StatusAccumulating, successor.Status)
	require.Empty(t, successor.SideEffects, "predecessor effects are retained, not copied")
}

func TestEnforceSupersedeRejectedPastCommitPoint(t *testing.T) {
	c, tracker, tn := newFixture(t)
	require.NoError(t, tn.MarkProcessing(turn.ReasonTimeout))
	_, err := tracker.RecordSideEffect(tn, "tool_execution", turn.PolicyIrreversible, commit.WithTool("send_email"))
	require.NoError(t, err)

	_, err = c.EnforceDecision(Decision{Action: ActionSupersede}, tn, "m2", time.Now(), "")
	require.ErrorIs(t, err, ErrSupersedeRejected)
	require.Equal(t, turn.StatusProcessing, tn.Status, "rejected supersede leaves the turn untouched")
}

func TestEnforceAbsorbWithPhaseRestart(t *testing.T) {
	c, _, tn := newFixture(t)
	require.NoError(t, tn.MarkProcessing(turn.ReasonTimeout))
	for phase := 1; phase <= 3; phase++ {
		require.NoError(t, tn.SetPhaseArtifact(phase, json.RawMessage(`{}`)))
	}

	restart := 2
	got, err := c.EnforceDecision(Decision{Action: ActionAbsorb, RestartFromPhase: &restart}, tn, "m2", time.Now(), "")
	require.NoError(t, err)
	require.Same(t, tn, got)
	require.Equal(t, []string{"m1", "m2"}, tn.Messages)
	require.Len(t, tn.PhaseArtifacts, 1)
	require.Contains(t, tn.PhaseArtifacts, 1)
}

func TestEnforceQueueAndForceCompleteLeaveTurnAlone(t *testing.T) {
	c, _, tn := newFixture(t)
	require.NoError(t, tn.MarkProcessing(turn.ReasonTimeout))
	before := len(tn.Messages)

	for _, action := range []Action{ActionQueue, ActionForceComplete} {
		got, err := c.EnforceDecision(Decision{Action: action}, tn, "m2", time.Now(), "")
		require.NoError(t, err)
		require.Same(t, tn, got)
		require.Len(t, tn.Messages, before)
	}
}

func TestDefaultDecision(t *testing.T) {
	c, tracker, tn := newFixture(t)
	require.Equal(t, ActionAbsorb, c.DefaultDecision(tn).Action)

	require.NoError(t, tn.MarkProcessing(turn.ReasonTimeout))
	require.Equal(t, ActionSupersede, c.DefaultDecision(tn).Action)

	_, err := tracker.RecordSideEffect(tn, "tool_execution", turn.PolicyIrreversible, commit.WithTool("send_email"))
	require.NoError(t, err)
	require.Equal(t, ActionQueue, c.DefaultDecision(tn).Action)
}

func TestUnknownAction(t *testing.T) {
	c, _, tn := newFixture(t)
	_, err := c.EnforceDecision(Decision{Action: "detonate"}, tn, "m2", time.Now(), "")
	require.ErrorIs(t, err, ErrUnknownAction)
}
