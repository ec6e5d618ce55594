// Package inmem provides single-process implementations of the session
// coordination contracts for development and tests. No durability, no
// cross-process visibility.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/fabric/runtime/fabric/session"
)

type (
	// Store implements session.Store in memory.
	Store struct {
		mutex   *Mutex
		index   *Index
		pending *Queue
	}

	// Mutex is an in-memory session.Mutex with lease expiry and fencing.
	Mutex struct {
		mu    sync.Mutex
		lease time.Duration
		locks map[session.Key]*lockState
		// fences outlives individual locks so fencing numbers stay
		// monotonic per key across release and re-acquisition.
		fences map[session.Key]uint64
	}

	lockState struct {
		value   string
		fence   uint64
		expires time.Time
	}

	// Index is an in-memory session.ActiveTurnIndex with entry TTLs.
	Index struct {
		mu      sync.Mutex
		entries map[session.Key]indexEntry
	}

	indexEntry struct {
		workflowID string
		expires    time.Time
	}

	// Queue is an in-memory session.PendingQueue.
	Queue struct {
		mu     sync.Mutex
		queues map[session.Key][]session.PendingMessage
	}

	// Options configures the in-memory store.
	Options struct {
		// LockLease is the mutex auto-expiry lease. Defaults to 30s.
		LockLease time.Duration
	}
)

const defaultLockLease = 30 * time.Second

// acquirePollInterval bounds how often blocked acquirers re-check the lock.
const acquirePollInterval = 5 * time.Millisecond

// New returns an in-memory store with all three primitives sharing no state
// beyond the process.
func New(opts Options) *Store {
	lease := opts.LockLease
	if lease <= 0 {
		lease = defaultLockLease
	}
	return &Store{
		mutex:   &Mutex{lease: lease, locks: make(map[session.Key]*lockState), fences: make(map[session.Key]uint64)},
		index:   &Index{entries: make(map[session.Key]indexEntry)},
		pending: &Queue{queues: make(map[session.Key][]session.PendingMessage)},
	}
}

// Mutex returns the in-memory mutex.
func (s *Store) Mutex() session.Mutex { return s.mutex }

// Index returns the in-memory active turn index.
func (s *Store) Index() session.ActiveTurnIndex { return s.index }

// Pending returns the in-memory pending queue.
func (s *Store) Pending() session.PendingQueue { return s.pending }

// Acquire obtains the mutex, polling until blockingTimeout elapses.
func (m *Mutex) Acquire(ctx context.Context, key session.Key, blockingTimeout time.Duration) (session.Token, error) {
	deadline := time.Now().Add(blockingTimeout)
	for {
		if tok, ok := m.tryAcquire(key); ok {
			return tok, nil
		}
		if time.Now().After(deadline) {
			return session.Token{}, session.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return session.Token{}, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

func (m *Mutex) tryAcquire(key session.Key) (session.Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	st, exists := m.locks[key]
	if exists && now.Before(st.expires) {
		return session.Token{}, false
	}
	m.fences[key]++
	next := &lockState{
		value:   uuid.NewString(),
		fence:   m.fences[key],
		expires: now.Add(m.lease),
	}
	m.locks[key] = next
	return session.Token{Key: key, Value: next.value, Fence: next.fence}, true
}

// Release deletes the lock iff the token value still matches.
func (m *Mutex) Release(_ context.Context, token session.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[token.Key]
	if !ok || st.value != token.Value {
		return nil
	}
	delete(m.locks, token.Key)
	return nil
}

// Extend pushes back the lease while the token still holds the lock.
func (m *Mutex) Extend(_ context.Context, token session.Token, additional time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[token.Key]
	if !ok || st.value != token.Value || time.Now().After(st.expires) {
		return session.ErrLockLost
	}
	st.expires = st.expires.Add(additional)
	return nil
}

// Held reports whether the token is still the current, unexpired holder.
func (m *Mutex) Held(_ context.Context, token session.Token) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.locks[token.Key]
	return ok && st.value == token.Value && time.Now().Before(st.expires), nil
}

// ForceRelease removes the lock regardless of holder.
func (m *Mutex) ForceRelease(_ context.Context, key session.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// ExpireNow force-expires the current lease for tests that exercise crash
// recovery without waiting out the lease.
func (m *Mutex) ExpireNow(key session.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.locks[key]; ok {
		st.expires = time.Now().Add(-time.Millisecond)
	}
}

// Get returns the registered workflow for the key if the entry has not
// expired.
func (i *Index) Get(_ context.Context, key session.Key) (string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(i.entries, key)
		return "", false, nil
	}
	return e.workflowID, true, nil
}

// Set registers the workflow under the key.
func (i *Index) Set(_ context.Context, key session.Key, workflowID string, ttl time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[key] = indexEntry{workflowID: workflowID, expires: time.Now().Add(ttl)}
	return nil
}

// Clear removes the entry for the key.
func (i *Index) Clear(_ context.Context, key session.Key) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, key)
	return nil
}

// Push appends a message to the session's queue.
func (q *Queue) Push(_ context.Context, key session.Key, msg session.PendingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[key] = append(q.queues[key], msg)
	return nil
}

// Peek returns the queued message count.
func (q *Queue) Peek(_ context.Context, key session.Key) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[key]), nil
}

// Pop removes and returns the oldest queued message.
func (q *Queue) Pop(_ context.Context, key session.Key) (session.PendingMessage, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[key]
	if len(msgs) == 0 {
		return session.PendingMessage{}, false, nil
	}
	head := msgs[0]
	if len(msgs) == 1 {
		delete(q.queues, key)
	} else {
		q.queues[key] = msgs[1:]
	}
	return head, true, nil
}

// Drain removes and returns all queued messages in FIFO order.
func (q *Queue) Drain(_ context.Context, key session.Key) ([]session.PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[key]
	delete(q.queues, key)
	return msgs, nil
}
