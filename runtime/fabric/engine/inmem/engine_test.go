package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/engine"
)

// A workflow started from a short-lived caller (an activity, a request
// handler) must keep running after that caller's context is canceled, the
// same way a durable engine detaches executions from the starting call.
func TestStartedWorkflowOutlivesStarterContext(t *testing.T) {
	e := New()
	started := make(chan struct{})
	proceed := make(chan struct{})

	err := e.RegisterWorkflow(context.Background(), engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wctx engine.WorkflowContext, _ *api.TurnInput) (*api.TurnOutput, error) {
			ctx := wctx.Context()
			close(started)
			<-proceed
			if err := wctx.Await(ctx, func() bool { return true }); err != nil {
				return nil, err
			}
			fut, err := wctx.NewTimer(ctx, time.Millisecond)
			if err != nil {
				return nil, err
			}
			if _, err := fut.Get(ctx); err != nil {
				return nil, err
			}
			return &api.TurnOutput{TurnID: "t1"}, nil
		},
	})
	require.NoError(t, err)

	startCtx, cancel := context.WithCancel(context.Background())
	h, err := e.StartWorkflow(startCtx, engine.WorkflowStartRequest{Workflow: "wf", ID: "wf-1"})
	require.NoError(t, err)

	<-started
	cancel()
	close(proceed)

	out, err := h.Wait(context.Background())
	require.NoError(t, err, "canceling the starter must not cancel the run")
	require.Equal(t, "t1", out.TurnID)
}
