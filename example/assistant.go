// Package chatd implements a small support assistant used to demonstrate the
// fabric: it answers order questions, refunds orders through a compensatable
// tool, and sends payments through an irreversible one. The point is the
// wiring, not the conversation quality; replace Assistant with a real agent
// loop to build an actual service.
package chatd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goa.design/fabric/runtime/fabric/brain"
	"goa.design/fabric/runtime/fabric/commit"
	"goa.design/fabric/runtime/fabric/supersede"
	"goa.design/fabric/runtime/fabric/turn"
)

// Assistant is a demo Brain. It also implements brain.SupersedeDecider so new
// messages absorb into in-flight turns instead of restarting them.
type Assistant struct{}

// ToolPolicies classifies the assistant's tools for the commit tracker.
func ToolPolicies() map[string]turn.Policy {
	return map[string]turn.Policy{
		"lookup_order": turn.PolicyIdempotent,
		"issue_refund": turn.PolicyCompensatable,
		"send_payment": turn.PolicyIrreversible,
	}
}

// Think produces a reply for the accumulated messages. It checks for
// interrupts between phases so an enforced supersede stops it promptly.
func (Assistant) Think(ctx context.Context, tc *brain.TurnContext) (*brain.Result, error) {
	if err := tc.CheckInterrupt("reading_messages"); err != nil {
		return nil, err
	}

	var parts []string
	for _, msg := range tc.Messages() {
		parts = append(parts, msg.Content)
	}
	input := strings.ToLower(strings.Join(parts, " "))

	if err := tc.CheckInterrupt("composing_reply"); err != nil {
		return nil, err
	}

	switch {
	case strings.Contains(input, "refund"):
		key := tc.IdempotencyKey("issue_refund", tc.Turn().ID)
		if err := tc.RecordSideEffect(ctx, "tool_execution", "issue_refund", "",
			commit.WithDetails(map[string]any{"idempotency_key": key})); err != nil {
			return nil, err
		}
		return &brain.Result{
			ResponseSegments: []string{"Your refund is on its way. It should post within 3 business days."},
		}, nil

	case strings.Contains(input, "pay"):
		key := tc.IdempotencyKey("send_payment", tc.Turn().ID)
		if err := tc.RecordSideEffect(ctx, "tool_execution", "send_payment", "",
			commit.WithDetails(map[string]any{"idempotency_key": key})); err != nil {
			return nil, err
		}
		return &brain.Result{
			ResponseSegments: []string{"Payment sent."},
		}, nil

	case strings.Contains(input, "order"):
		if err := tc.RecordSideEffect(ctx, "tool_execution", "lookup_order", ""); err != nil {
			return nil, err
		}
		return &brain.Result{
			ResponseSegments: []string{"I found your order. Which part would you like to know about?"},
			ExpectsMoreInput: true,
			NextHint: &turn.AccumulationHint{
				ExpectsFollowup:   true,
				ExpectedInputType: "order_question",
			},
		}, nil

	default:
		// Simulated model latency keeps the demo honest about mid-turn
		// interrupts: type a second message while this sleeps.
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := tc.CheckInterrupt("after_model_call"); err != nil {
			return nil, err
		}
		return &brain.Result{
			ResponseSegments: []string{fmt.Sprintf("You said: %s", strings.Join(parts, " / "))},
		}, nil
	}
}

// DecideSupersede absorbs short follow-ups into the running turn and defers
// to the fabric's default policy for everything else.
func (Assistant) DecideSupersede(ctx context.Context, req brain.DecideRequest) (supersede.Decision, error) {
	if len(req.NewMessage.Content) < 40 && req.Current.CanAbsorbMessage() {
		return supersede.Decision{
			Action:         supersede.ActionAbsorb,
			Reason:         "short follow-up",
			AbsorbStrategy: "append",
		}, nil
	}
	if req.CanSupersede {
		return supersede.Decision{Action: supersede.ActionSupersede, Reason: "new request replaces the old one"}, nil
	}
	return supersede.Decision{Action: supersede.ActionQueue, Reason: "past commit point"}, nil
}
