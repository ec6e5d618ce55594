package runtime

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"goa.design/fabric/runtime/fabric/accumulate"
	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/engine"
	"goa.design/fabric/runtime/fabric/events"
	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/supersede"
	"goa.design/fabric/runtime/fabric/turn"
)

// logicalTurnWorkflow is the durable turn execution: acquire the session
// mutex, accumulate raw messages into the turn, run the Brain, and commit.
// A message arriving mid-processing routes through a decide-mode brain
// activity; SUPERSEDE starts a successor turn inside the same workflow run so
// the mutex is held across the whole chain.
//
// All non-determinism lives in activities. Turn and group IDs derive from the
// workflow ID so replay reconstructs the same chain.
func (r *Runtime) logicalTurnWorkflow(wctx engine.WorkflowContext, input *api.TurnInput) (*api.TurnOutput, error) {
	ctx := wctx.Context()
	key := input.SessionKey

	acquired, err := wctx.ExecuteSessionActivity(ctx, engine.SessionActivityCall{
		Name:  ActivitySession,
		Input: &api.SessionRequest{Op: api.OpMutexAcquire, SessionKey: key},
	})
	if err != nil {
		return nil, fmt.Errorf("acquire session mutex: %w", err)
	}
	token := acquired.Token
	r.emitWorkflowEvent(wctx, events.MutexAcquired, key, "", map[string]any{"fence": token.Fence})

	// Register this run as the session's active turn before accumulating so
	// follow-up messages signal here instead of racing a second workflow.
	if _, err := wctx.ExecuteSessionActivity(ctx, engine.SessionActivityCall{
		Name:  ActivitySession,
		Input: &api.SessionRequest{Op: api.OpIndexRegister, SessionKey: key, WorkflowID: wctx.WorkflowID()},
	}); err != nil {
		return nil, r.failBeforeCommit(wctx, token, nil, fmt.Errorf("register active turn: %w", err))
	}

	groupID := input.TurnGroupID
	if groupID == "" {
		groupID = deriveID(wctx.WorkflowID(), "group", 0)
	}
	tn := turn.NewWithIDs(key, deriveID(wctx.WorkflowID(), "turn", 0), groupID, input.Message.ID, input.Message.ReceivedAt)

	byID := map[string]api.Message{input.Message.ID: input.Message}
	msgs := wctx.NewMessages()

	var (
		superseded []*turn.Turn
		out        *api.BrainOutput
		turnSeq    = 0
	)

chain:
	for {
		if err := r.accumulateTurn(wctx, tn, byID, msgs); err != nil {
			return nil, r.failBeforeCommit(wctx, token, tn, err)
		}

		r.emitWorkflowEvent(wctx, events.TurnStarted, key, tn.ID, map[string]any{
			"messages": len(tn.Messages),
			"reason":   tn.CompletionReason,
		})

	think:
		for {
			fut, err := wctx.ExecuteBrainActivityAsync(ctx, engine.BrainActivityCall{
				Name: ActivityBrain,
				Input: &api.BrainInput{
					Mode:       api.BrainModeThink,
					Turn:       tn.Clone(),
					Messages:   turnMessages(tn, byID),
					MutexToken: token,
				},
			})
			if err != nil {
				return nil, r.failBeforeCommit(wctx, token, tn, fmt.Errorf("start brain activity: %w", err))
			}

			for {
				var sig *api.MessageSignal
				if err := wctx.Await(ctx, func() bool {
					if fut.IsReady() {
						return true
					}
					if s, ok := msgs.ReceiveAsync(); ok {
						sig = &s
						return true
					}
					return false
				}); err != nil {
					return nil, r.failBeforeCommit(wctx, token, tn, err)
				}

				if sig == nil {
					out, err = fut.Get(ctx)
					if err != nil {
						return nil, r.failBeforeCommit(wctx, token, tn, fmt.Errorf("brain activity: %w", err))
					}
					applyBrainOutput(tn, out)
					break chain
				}

				decided, err := wctx.ExecuteBrainActivity(ctx, engine.BrainActivityCall{
					Name: ActivityBrain,
					Input: &api.BrainInput{
						Mode:       api.BrainModeDecide,
						Turn:       tn.Clone(),
						NewMessage: &sig.Message,
						MutexToken: token,
					},
				})
				if err != nil {
					return nil, r.failBeforeCommit(wctx, token, tn, fmt.Errorf("supersede decision: %w", err))
				}
				decision := supersede.Decision{Action: supersede.ActionQueue}
				if decided.Decision != nil {
					decision = *decided.Decision
				}

				switch decision.Action {
				case supersede.ActionQueue, supersede.ActionForceComplete:
					// The gateway already queued the message; it becomes the
					// next turn after commit. Keep waiting for the Brain.
					r.emitWorkflowEvent(wctx, events.MessageQueued, key, tn.ID, map[string]any{
						"message_id": sig.Message.ID,
						"action":     string(decision.Action),
					})
					continue

				case supersede.ActionAbsorb:
					partial, err := fut.Get(ctx)
					if err != nil {
						return nil, r.failBeforeCommit(wctx, token, tn, fmt.Errorf("interrupted brain activity: %w", err))
					}
					applyBrainOutput(tn, partial)
					extras, err := r.collectConflict(wctx, tn, byID, sig.Message)
					if err != nil {
						return nil, r.failBeforeCommit(wctx, token, tn, err)
					}
					if next, err := r.coord.EnforceDecision(decision, tn, sig.Message.ID, sig.Message.ReceivedAt, ""); err != nil {
						if !errors.Is(err, supersede.ErrSupersedeRejected) {
							return nil, r.failBeforeCommit(wctx, token, tn, err)
						}
						// Past the commit point after all: requeue and finish
						// with what the Brain produced.
						if err := r.requeue(wctx, key, append([]api.Message{sig.Message}, extras...)); err != nil {
							return nil, r.failBeforeCommit(wctx, token, tn, err)
						}
						out = partial
						break chain
					} else {
						tn = next
					}
					absorbExtras(tn, extras)
					r.emitWorkflowEvent(wctx, events.MessageAbsorbed, key, tn.ID, map[string]any{
						"message_id": sig.Message.ID,
						"strategy":   decision.AbsorbStrategy,
					})
					continue think

				case supersede.ActionSupersede:
					partial, err := fut.Get(ctx)
					if err != nil {
						return nil, r.failBeforeCommit(wctx, token, tn, fmt.Errorf("interrupted brain activity: %w", err))
					}
					applyBrainOutput(tn, partial)
					extras, err := r.collectConflict(wctx, tn, byID, sig.Message)
					if err != nil {
						return nil, r.failBeforeCommit(wctx, token, tn, err)
					}
					turnSeq++
					successor, err := r.coord.EnforceDecision(decision, tn, sig.Message.ID, sig.Message.ReceivedAt, deriveID(wctx.WorkflowID(), "turn", turnSeq))
					if err != nil {
						if !errors.Is(err, supersede.ErrSupersedeRejected) {
							return nil, r.failBeforeCommit(wctx, token, tn, err)
						}
						if err := r.requeue(wctx, key, append([]api.Message{sig.Message}, extras...)); err != nil {
							return nil, r.failBeforeCommit(wctx, token, tn, err)
						}
						out = partial
						break chain
					}
					// The successor shares the group, so cached phase
					// artifacts stay visible for resumption.
					for phase, blob := range tn.PhaseArtifacts {
						_ = successor.SetPhaseArtifact(phase, blob)
					}
					absorbExtras(successor, extras)
					r.emitWorkflowEvent(wctx, events.TurnSuperseded, key, tn.ID, map[string]any{"successor": successor.ID})
					r.emitWorkflowEvent(wctx, events.SupersedeExecuted, key, successor.ID, map[string]any{
						"predecessor": tn.ID,
						"reason":      decision.Reason,
					})
					superseded = append(superseded, tn)
					tn = successor
					continue chain

				default:
					return nil, r.failBeforeCommit(wctx, token, tn, fmt.Errorf("%w: %q", supersede.ErrUnknownAction, decision.Action))
				}
			}
		}
	}

	if err := tn.MarkComplete(); err != nil {
		return nil, r.failBeforeCommit(wctx, token, tn, err)
	}

	committed, err := wctx.ExecuteCommitActivity(ctx, engine.CommitActivityCall{
		Name:  ActivityCommit,
		Input: &api.CommitRequest{Turn: tn, Token: token, Output: out, Superseded: superseded},
	})
	if err != nil {
		return nil, r.failBeforeCommit(wctx, token, tn, fmt.Errorf("commit: %w", err))
	}
	if committed.MutexLost {
		r.emitWorkflowEvent(wctx, events.TurnFailed, key, tn.ID, map[string]any{"reason": "mutex lost"})
		return nil, fmt.Errorf("commit aborted: session mutex lost (fence %d)", token.Fence)
	}

	r.emitWorkflowEvent(wctx, events.TurnCompleted, key, tn.ID, map[string]any{
		"reason":   tn.CompletionReason,
		"segments": len(out.ResponseSegments),
	})

	return &api.TurnOutput{
		TurnID:            tn.ID,
		Status:            tn.Status,
		CompletionReason:  tn.CompletionReason,
		ResponseSegments:  out.ResponseSegments,
		SupersededTurnIDs: turnIDs(superseded),
	}, nil
}

// accumulateTurn runs the accumulation loop: compute the adaptive wait for
// the latest message, then race the wake-up timer against new signals. Each
// absorbed message restarts the wait. The turn leaves in PROCESSING.
func (r *Runtime) accumulateTurn(wctx engine.WorkflowContext, tn *turn.Turn, byID map[string]api.Message, msgs engine.Receiver[api.MessageSignal]) error {
	ctx := wctx.Context()
	latest := byID[tn.Messages[len(tn.Messages)-1]]

	for {
		res, err := wctx.ExecuteSessionActivity(ctx, engine.SessionActivityCall{
			Name: ActivitySession,
			Input: &api.SessionRequest{
				Op:             api.OpSuggestWait,
				SessionKey:     tn.SessionKey,
				Message:        &latest,
				MessagesInTurn: len(tn.Messages),
			},
		})
		if err != nil {
			return fmt.Errorf("suggest accumulation wait: %w", err)
		}
		if res.Wait <= 0 {
			return tn.MarkProcessing(turn.ReasonNoAccumulation)
		}

		timer, err := wctx.NewTimer(ctx, res.Wait)
		if err != nil {
			return fmt.Errorf("accumulation timer: %w", err)
		}

		var sig *api.MessageSignal
		if err := wctx.Await(ctx, func() bool {
			if timer.IsReady() {
				return true
			}
			if s, ok := msgs.ReceiveAsync(); ok {
				sig = &s
				return true
			}
			return false
		}); err != nil {
			return err
		}
		if sig == nil {
			// The manager already shortened the wait for an explicit
			// end-of-input marker; record which way accumulation ended.
			if accumulate.HasExplicitCompletion(latest.Content) {
				return tn.MarkProcessing(turn.ReasonExplicit)
			}
			return tn.MarkProcessing(turn.ReasonTimeout)
		}

		extras, err := r.collectConflict(wctx, tn, byID, sig.Message)
		if err != nil {
			return err
		}
		if err := tn.AbsorbMessage(sig.Message.ID, sig.Message.ReceivedAt); err != nil {
			return err
		}
		absorbExtras(tn, extras)
		r.emitWorkflowEvent(wctx, events.MessageAbsorbed, tn.SessionKey, tn.ID, map[string]any{"message_id": sig.Message.ID})
		latest = sig.Message
	}
}

// collectConflict drains the pending queue around a signaled message: the
// gateway queues before signaling, so the signaled message plus anything that
// raced in is removed and returned for absorption. Messages already in the
// turn are dropped, and new ones register in byID.
func (r *Runtime) collectConflict(wctx engine.WorkflowContext, tn *turn.Turn, byID map[string]api.Message, signaled api.Message) ([]api.Message, error) {
	if _, ok := byID[signaled.ID]; !ok {
		byID[signaled.ID] = signaled
	}
	res, err := wctx.ExecuteSessionActivity(wctx.Context(), engine.SessionActivityCall{
		Name:  ActivitySession,
		Input: &api.SessionRequest{Op: api.OpQueueDrain, SessionKey: tn.SessionKey},
	})
	if err != nil {
		return nil, fmt.Errorf("drain pending queue: %w", err)
	}
	var extras []api.Message
	for _, pm := range res.Pending {
		if pm.ID == signaled.ID {
			continue
		}
		if _, ok := byID[pm.ID]; ok {
			continue
		}
		msg := api.Message{
			ID:         pm.ID,
			SessionKey: tn.SessionKey,
			Content:    pm.Content,
			ReceivedAt: pm.ReceivedAt,
			Metadata:   pm.Metadata,
		}
		byID[msg.ID] = msg
		extras = append(extras, msg)
	}
	return extras, nil
}

// requeue pushes messages back on the pending queue after a rejected absorb
// or supersede so they are redelivered once the turn commits.
func (r *Runtime) requeue(wctx engine.WorkflowContext, key session.Key, msgs []api.Message) error {
	for i := range msgs {
		if _, err := wctx.ExecuteSessionActivity(wctx.Context(), engine.SessionActivityCall{
			Name:  ActivitySession,
			Input: &api.SessionRequest{Op: api.OpQueuePush, SessionKey: key, Message: &msgs[i]},
		}); err != nil {
			return fmt.Errorf("requeue message %s: %w", msgs[i].ID, err)
		}
	}
	return nil
}

// failBeforeCommit is the error path before the commit activity ran: release
// the mutex, clear the index entry, emit the failure, and wrap err.
func (r *Runtime) failBeforeCommit(wctx engine.WorkflowContext, token session.Token, tn *turn.Turn, err error) error {
	ctx := wctx.Context()
	key := token.Key
	turnID := ""
	if tn != nil {
		turnID = tn.ID
	}
	_, _ = wctx.ExecuteSessionActivity(ctx, engine.SessionActivityCall{
		Name:  ActivitySession,
		Input: &api.SessionRequest{Op: api.OpIndexDeregister, SessionKey: key},
	})
	_, _ = wctx.ExecuteSessionActivity(ctx, engine.SessionActivityCall{
		Name:  ActivitySession,
		Input: &api.SessionRequest{Op: api.OpMutexRelease, SessionKey: key, Token: token},
	})
	r.emitWorkflowEvent(wctx, events.TurnFailed, key, turnID, map[string]any{"error": err.Error()})
	return err
}

// emitWorkflowEvent publishes through the event activity. Publication is best
// effort: listeners observe the fabric, they do not gate it.
func (r *Runtime) emitWorkflowEvent(wctx engine.WorkflowContext, typ events.Type, key session.Key, turnID string, payload map[string]any) {
	_ = wctx.PublishEvent(wctx.Context(), engine.EventActivityCall{
		Name: ActivityEvent,
		Input: &api.EventInput{
			Type:       string(typ),
			SessionKey: key,
			TurnID:     turnID,
			Payload:    payload,
		},
	})
}

// applyBrainOutput folds an activity's recorded state back into the
// workflow's turn: side effects, phase artifacts, checkpoint, interrupt point.
func applyBrainOutput(tn *turn.Turn, out *api.BrainOutput) {
	if out == nil {
		return
	}
	for _, e := range out.SideEffects {
		_ = tn.AppendSideEffect(e)
	}
	for phase, blob := range out.Artifacts {
		_ = tn.SetPhaseArtifact(phase, blob)
	}
	if out.ScenarioCheckpoint {
		_ = tn.MarkScenarioCheckpoint()
	}
	if out.InterruptPoint != "" && tn.InterruptPoint == "" {
		tn.InterruptPoint = out.InterruptPoint
	}
}

// absorbExtras folds queue-drained messages into the turn in arrival order.
func absorbExtras(tn *turn.Turn, extras []api.Message) {
	for _, m := range extras {
		_ = tn.AbsorbMessage(m.ID, m.ReceivedAt)
	}
}

// turnMessages resolves the turn's message IDs to admitted messages in order.
func turnMessages(tn *turn.Turn, byID map[string]api.Message) []api.Message {
	out := make([]api.Message, 0, len(tn.Messages))
	for _, id := range tn.Messages {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func turnIDs(turns []*turn.Turn) []string {
	if len(turns) == 0 {
		return nil
	}
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.ID
	}
	return out
}

// deriveID produces a replay-stable identifier scoped to the workflow run.
func deriveID(workflowID, kind string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(workflowID+"/"+kind+"/"+strconv.Itoa(seq))).String()
}
