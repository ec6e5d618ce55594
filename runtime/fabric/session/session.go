package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockTimeout indicates Acquire gave up before obtaining the mutex.
	ErrLockTimeout = errors.New("session mutex acquisition timed out")

	// ErrLockLost indicates a guarded operation was attempted with a token
	// that is no longer the current holder (expired or force-released).
	ErrLockLost = errors.New("session mutex no longer held")
)

type (
	// Token proves mutex ownership for a single acquisition. Fence increases
	// monotonically per key so writers can detect that a zombie holder whose
	// lease expired is presenting a stale token. Tokens are plain data and
	// serialize across workflow step boundaries.
	Token struct {
		// Key is the session the token guards.
		Key Key
		// Value is the opaque per-acquisition value stored under the lock key.
		Value string
		// Fence is the monotonic fencing number assigned at acquisition.
		Fence uint64
	}

	// Mutex provides advisory mutual exclusion over a session key across all
	// worker processes. All mutation of turn state, index entries, and side
	// effect appends for a key must happen while holding its mutex.
	//
	// Implementations must auto-expire held locks after the configured lease
	// so a crashed holder cannot wedge the session, and must compare the token
	// value (not mere existence) on Release and Extend.
	Mutex interface {
		// Acquire tries to obtain the mutex for up to blockingTimeout.
		// Returns ErrLockTimeout when the mutex could not be obtained in time.
		Acquire(ctx context.Context, key Key, blockingTimeout time.Duration) (Token, error)

		// Release releases the mutex iff token still matches the current
		// holder. Releasing with a stale token is a silent no-op.
		Release(ctx context.Context, token Token) error

		// Extend pushes back the auto-expiry while the token is still the
		// holder. Returns ErrLockLost when the token is stale.
		Extend(ctx context.Context, token Token, additional time.Duration) error

		// Held reports whether the token is still the current holder.
		Held(ctx context.Context, token Token) (bool, error)

		// ForceRelease removes the lock regardless of holder. Recovery paths
		// only.
		ForceRelease(ctx context.Context, key Key) error
	}

	// ActiveTurnIndex maps a session key to the workflow instance currently
	// responsible for it. Entries carry a bounded TTL so a crashed workflow
	// cannot leave a session permanently routed at a dead instance.
	ActiveTurnIndex interface {
		// Get returns the registered workflow instance ID, if any. Reads may
		// happen outside the session mutex.
		Get(ctx context.Context, key Key) (string, bool, error)

		// Set registers the workflow instance under the key with the given TTL.
		Set(ctx context.Context, key Key, workflowID string, ttl time.Duration) error

		// Clear removes the entry. Clearing an absent entry is a no-op.
		Clear(ctx context.Context, key Key) error
	}

	// PendingMessage is a buffered inbound message awaiting absorption or
	// redelivery for a session.
	PendingMessage struct {
		ID         string
		Content    string
		ReceivedAt time.Time
		Metadata   map[string]string
	}

	// PendingQueue buffers messages that arrived while a turn was in flight.
	// The gateway pushes on admission; the workflow consumes on absorption;
	// leftovers are popped for redelivery after the turn completes. Order is
	// FIFO per key.
	PendingQueue interface {
		// Push appends a message to the session's queue.
		Push(ctx context.Context, key Key, msg PendingMessage) error

		// Peek returns the number of queued messages without consuming them.
		Peek(ctx context.Context, key Key) (int, error)

		// Pop removes and returns the oldest queued message. ok is false when
		// the queue is empty.
		Pop(ctx context.Context, key Key) (msg PendingMessage, ok bool, err error)

		// Drain removes and returns all queued messages in FIFO order.
		Drain(ctx context.Context, key Key) ([]PendingMessage, error)
	}

	// Store bundles the three coordination primitives behind one constructor
	// so callers can wire a backend in a single step.
	Store interface {
		Mutex() Mutex
		Index() ActiveTurnIndex
		Pending() PendingQueue
	}
)
