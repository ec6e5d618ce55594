package runtime

import (
	"context"
	"fmt"
	"time"

	"goa.design/fabric/runtime/fabric/api"
	"goa.design/fabric/runtime/fabric/audit"
	"goa.design/fabric/runtime/fabric/brain"
	"goa.design/fabric/runtime/fabric/events"
	"goa.design/fabric/runtime/fabric/session"
	"goa.design/fabric/runtime/fabric/supersede"
)

// mutexExtendDivisor sets the heartbeat cadence relative to the lock lease:
// extending at a third of the lease tolerates two missed beats.
const mutexExtendDivisor = 3

// sessionActivity multiplexes session store operations so the engine only
// needs one registered handler for coordination I/O.
func (r *Runtime) sessionActivity(ctx context.Context, req *api.SessionRequest) (*api.SessionResult, error) {
	switch req.Op {
	case api.OpMutexAcquire:
		timeout := req.LockTimeout
		if timeout <= 0 {
			timeout = r.cfg.Mutex.BlockingTimeout
		}
		token, err := r.store.Mutex().Acquire(ctx, req.SessionKey, timeout)
		if err != nil {
			return nil, err
		}
		return &api.SessionResult{Token: token}, nil

	case api.OpMutexRelease:
		return &api.SessionResult{}, r.store.Mutex().Release(ctx, req.Token)

	case api.OpMutexExtend:
		return &api.SessionResult{}, r.store.Mutex().Extend(ctx, req.Token, r.cfg.Mutex.LockTimeout)

	case api.OpMutexHeld:
		held, err := r.store.Mutex().Held(ctx, req.Token)
		if err != nil {
			return nil, err
		}
		return &api.SessionResult{Token: req.Token, Held: held}, nil

	case api.OpIndexRegister:
		ttl := req.IndexTTL
		if ttl <= 0 {
			ttl = r.cfg.Index.TTL
		}
		return &api.SessionResult{}, r.store.Index().Set(ctx, req.SessionKey, req.WorkflowID, ttl)

	case api.OpIndexDeregister:
		return &api.SessionResult{}, r.store.Index().Clear(ctx, req.SessionKey)

	case api.OpIndexGet:
		workflowID, found, err := r.store.Index().Get(ctx, req.SessionKey)
		if err != nil {
			return nil, err
		}
		return &api.SessionResult{ActiveWorkflowID: workflowID, ActiveFound: found}, nil

	case api.OpQueuePush:
		if req.Message == nil {
			return nil, fmt.Errorf("session activity: queue push requires a message")
		}
		return &api.SessionResult{}, r.store.Pending().Push(ctx, req.SessionKey, session.PendingMessage{
			ID:         req.Message.ID,
			Content:    req.Message.Content,
			ReceivedAt: req.Message.ReceivedAt,
			Metadata:   req.Message.Metadata,
		})

	case api.OpQueuePeek:
		n, err := r.store.Pending().Peek(ctx, req.SessionKey)
		if err != nil {
			return nil, err
		}
		return &api.SessionResult{PendingCount: n}, nil

	case api.OpQueueDrain:
		drained, err := r.store.Pending().Drain(ctx, req.SessionKey)
		if err != nil {
			return nil, err
		}
		return &api.SessionResult{Pending: drained}, nil

	case api.OpSuggestWait:
		return r.suggestWait(req)

	default:
		return nil, fmt.Errorf("session activity: unknown op %q", req.Op)
	}
}

// suggestWait folds the interlocutor's observed cadence and the previous
// turn's hint into the accumulation wait for the latest message.
func (r *Runtime) suggestWait(req *api.SessionRequest) (*api.SessionResult, error) {
	if req.Message == nil {
		return nil, fmt.Errorf("session activity: suggest wait requires a message")
	}
	interlocutor := req.SessionKey.InterlocutorID()
	r.cadence.Observe(interlocutor, req.Message.ReceivedAt)

	wait := r.accum.SuggestWait(
		req.Message.Content,
		req.SessionKey.Channel(),
		r.cadence.Stats(interlocutor),
		r.freshHint(req.SessionKey, req.Message.ReceivedAt),
		req.MessagesInTurn,
	)
	return &api.SessionResult{Wait: wait}, nil
}

// brainActivity hosts the Brain. In think mode it runs a full processing
// pass while a background loop extends the session mutex; in decide mode it
// resolves a supersede conflict against the live turn state.
func (r *Runtime) brainActivity(ctx context.Context, in *api.BrainInput) (*api.BrainOutput, error) {
	switch in.Mode {
	case api.BrainModeDecide:
		return r.decide(ctx, in)
	case api.BrainModeThink, "":
		return r.think(ctx, in)
	default:
		return nil, fmt.Errorf("brain activity: unknown mode %q", in.Mode)
	}
}

func (r *Runtime) think(ctx context.Context, in *api.BrainInput) (*api.BrainOutput, error) {
	key := in.Turn.SessionKey
	tc := brain.NewTurnContext(brain.TurnContextConfig{
		Turn:     in.Turn,
		Messages: in.Messages,
		Tracker:  r.tracker,
		Logger:   r.logger,
		PeekPending: func(ctx context.Context) (int, error) {
			return r.store.Pending().Peek(ctx, key)
		},
		Emit: func(ctx context.Context, eventType string, payload map[string]any) {
			r.router.Publish(ctx, events.New(events.Type(eventType), key, in.Turn.ID, payload))
		},
	})
	r.trackLive(in.Turn.ID, tc)
	defer r.releaseLive(in.Turn.ID)

	stopHeartbeat := r.extendMutexLoop(ctx, in.MutexToken)
	defer stopHeartbeat()

	started := time.Now()
	result, err := r.brain.Think(ctx, tc)
	r.metrics.RecordTimer("fabric.brain.think", time.Since(started), "channel", key.Channel())
	if err != nil && err != brain.ErrInterrupted {
		return nil, err
	}

	return tc.Output(result), nil
}

// decide consults the Brain (when it implements SupersedeDecider) about a
// conflicting message and interrupts the live Think when the decision
// preempts it. Decisions are made against the live turn state, not the
// workflow's snapshot, so commit points recorded mid-think are honored.
func (r *Runtime) decide(ctx context.Context, in *api.BrainInput) (*api.BrainOutput, error) {
	if in.NewMessage == nil {
		return nil, fmt.Errorf("brain activity: decide requires the new message")
	}

	current := in.Turn
	r.mu.Lock()
	if tc, ok := r.live[in.Turn.ID]; ok {
		current = tc.Turn()
	}
	r.mu.Unlock()

	canSupersede := r.coord.CanSupersede(current)

	var decision supersede.Decision
	if decider, ok := r.brain.(brain.SupersedeDecider); ok {
		d, err := decider.DecideSupersede(ctx, brain.DecideRequest{
			Current:      current,
			NewMessage:   *in.NewMessage,
			CanSupersede: canSupersede,
		})
		if err != nil {
			r.logger.Warn(ctx, "supersede decider failed, applying default policy",
				"turn_id", current.ID, "error", err.Error())
			d = r.coord.DefaultDecision(current)
		}
		decision = d
	} else {
		decision = r.coord.DefaultDecision(current)
	}

	// A preempting decision past the commit point degrades to QUEUE.
	if (decision.Action == supersede.ActionSupersede || decision.Action == supersede.ActionAbsorb) && !current.CanAbsorbMessage() && !canSupersede {
		decision = supersede.Decision{Action: supersede.ActionQueue, Reason: "past commit point"}
	}

	if decision.Action == supersede.ActionSupersede || decision.Action == supersede.ActionAbsorb {
		r.interruptLive(current.ID)
	}

	r.router.Publish(ctx, events.New(events.SupersedeRequested, current.SessionKey, current.ID, map[string]any{
		"message_id": in.NewMessage.ID,
		"action":     string(decision.Action),
		"reason":     decision.Reason,
	}))

	return &api.BrainOutput{Decision: &decision}, nil
}

// extendMutexLoop keeps the session mutex alive while the Brain thinks.
// It stops silently when the lease is lost; the commit activity's fencing
// check is the authoritative detector for that case.
func (r *Runtime) extendMutexLoop(ctx context.Context, token session.Token) func() {
	if token.Value == "" {
		return func() {}
	}
	interval := r.cfg.Mutex.LockTimeout / mutexExtendDivisor
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Mutex().Extend(ctx, token, r.cfg.Mutex.LockTimeout); err != nil {
					r.logger.Warn(ctx, "mutex extension failed",
						"session_key", string(token.Key), "error", err.Error())
					return
				}
				r.router.Publish(ctx, events.New(events.MutexExtended, token.Key, "", nil))
			}
		}
	}()
	return func() { close(done) }
}

// commitActivity is the final workflow step: it validates mutex ownership,
// persists the turn record, releases the mutex, and clears the index entry.
// A failed fencing check aborts the commit and reports MutexLost.
func (r *Runtime) commitActivity(ctx context.Context, req *api.CommitRequest) (*api.CommitResult, error) {
	held, err := r.store.Mutex().Held(ctx, req.Token)
	if err != nil {
		return nil, fmt.Errorf("commit: fencing check: %w", err)
	}
	if !held {
		r.metrics.IncCounter("fabric.commit.mutex_lost", 1)
		return &api.CommitResult{MutexLost: true}, nil
	}

	var segments []string
	if req.Output != nil {
		segments = req.Output.ResponseSegments
	}
	now := time.Now().UTC()
	for _, pred := range req.Superseded {
		if err := r.sink.SaveTurn(ctx, audit.FromTurn(pred, nil, req.Token.Fence, now)); err != nil {
			return nil, fmt.Errorf("commit: save superseded turn record: %w", err)
		}
	}
	rec := audit.FromTurn(req.Turn, segments, req.Token.Fence, now)
	if err := r.sink.SaveTurn(ctx, rec); err != nil {
		return nil, fmt.Errorf("commit: save turn record: %w", err)
	}

	if req.Output != nil {
		r.storeHint(req.Turn.SessionKey, req.Output.NextHint, time.Now())
	}

	if err := r.store.Index().Clear(ctx, req.Turn.SessionKey); err != nil {
		return nil, fmt.Errorf("commit: clear index: %w", err)
	}
	if err := r.store.Mutex().Release(ctx, req.Token); err != nil {
		return nil, fmt.Errorf("commit: release mutex: %w", err)
	}
	r.router.Publish(ctx, events.New(events.MutexReleased, req.Turn.SessionKey, req.Turn.ID, nil))
	return &api.CommitResult{}, nil
}

// eventActivity publishes workflow-emitted events on the router outside the
// deterministic workflow thread.
func (r *Runtime) eventActivity(ctx context.Context, in *api.EventInput) error {
	r.router.Publish(ctx, events.Event{
		Type:          events.Type(in.Type),
		SessionKey:    in.SessionKey,
		LogicalTurnID: in.TurnID,
		Timestamp:     time.Now().UTC(),
		Payload:       in.Payload,
	})
	return nil
}
