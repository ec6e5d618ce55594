// Package redis implements the session coordination contracts on Redis: the
// fencing session mutex, the active turn index, and the pending message
// queue. It mirrors the layering used by the Pulse-backed features: services
// build a Redis client and hand it to New.
//
// Key layout (all under the configurable prefix, default "fabric"):
//
//	<prefix>:mutex:<session key>    lock value, SET NX PX lease
//	<prefix>:fence:<session key>    monotonic fencing counter, INCR
//	<prefix>:index:<session key>    active workflow ID, SET PX ttl
//	<prefix>:pending:<session key>  pending messages, JSON list
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"goa.design/fabric/runtime/fabric/session"
)

type (
	// Options configures the Redis-backed store.
	Options struct {
		// Redis is the Redis connection. Required.
		Redis *goredis.Client
		// LockLease is the mutex auto-expiry lease. Defaults to 30s.
		LockLease time.Duration
		// KeyPrefix namespaces every key. Defaults to "fabric".
		KeyPrefix string
	}

	// Store implements session.Store on a shared Redis instance so every
	// worker process observes the same mutex, index, and queue state.
	Store struct {
		mutex   *Mutex
		index   *Index
		pending *Queue
	}

	// Mutex is the Redis session mutex. Fencing numbers come from a
	// per-key INCR counter assigned at acquisition; Release and Extend
	// compare the token value server-side so a stale holder cannot clobber
	// a successor's lock.
	Mutex struct {
		rdb    *goredis.Client
		lease  time.Duration
		prefix string
	}

	// Index is the Redis active turn index. Entry expiry rides on Redis
	// key TTLs.
	Index struct {
		rdb    *goredis.Client
		prefix string
	}

	// Queue is the Redis pending message queue, a JSON list per session.
	Queue struct {
		rdb    *goredis.Client
		prefix string
	}
)

const (
	defaultLockLease = 30 * time.Second
	defaultKeyPrefix = "fabric"

	// acquirePollInterval bounds how often blocked acquirers retry SET NX.
	acquirePollInterval = 25 * time.Millisecond
)

// releaseScript deletes the lock iff the stored value matches the token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the lease iff the stored value matches the token.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// drainScript atomically reads and deletes the pending list.
var drainScript = goredis.NewScript(`
local entries = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return entries
`)

// New returns a Redis-backed store. The Redis field in opts is required.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	lease := opts.LockLease
	if lease <= 0 {
		lease = defaultLockLease
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{
		mutex:   &Mutex{rdb: opts.Redis, lease: lease, prefix: prefix},
		index:   &Index{rdb: opts.Redis, prefix: prefix},
		pending: &Queue{rdb: opts.Redis, prefix: prefix},
	}, nil
}

// Mutex returns the Redis session mutex.
func (s *Store) Mutex() session.Mutex { return s.mutex }

// Index returns the Redis active turn index.
func (s *Store) Index() session.ActiveTurnIndex { return s.index }

// Pending returns the Redis pending queue.
func (s *Store) Pending() session.PendingQueue { return s.pending }

func (m *Mutex) lockKey(key session.Key) string {
	return fmt.Sprintf("%s:mutex:%s", m.prefix, key)
}

func (m *Mutex) fenceKey(key session.Key) string {
	return fmt.Sprintf("%s:fence:%s", m.prefix, key)
}

// Acquire obtains the mutex via SET NX PX, polling until blockingTimeout
// elapses. The fencing number is assigned by INCR after the lock is won so it
// increases across acquisitions even when leases expire silently.
func (m *Mutex) Acquire(ctx context.Context, key session.Key, blockingTimeout time.Duration) (session.Token, error) {
	value := uuid.NewString()
	deadline := time.Now().Add(blockingTimeout)
	for {
		ok, err := m.rdb.SetNX(ctx, m.lockKey(key), value, m.lease).Result()
		if err != nil {
			return session.Token{}, fmt.Errorf("redis mutex acquire: %w", err)
		}
		if ok {
			fence, err := m.rdb.Incr(ctx, m.fenceKey(key)).Result()
			if err != nil {
				// Undo the half-acquired lock so it does not linger for a
				// full lease.
				_, _ = releaseScript.Run(ctx, m.rdb, []string{m.lockKey(key)}, value).Result()
				return session.Token{}, fmt.Errorf("redis mutex fence: %w", err)
			}
			return session.Token{Key: key, Value: value, Fence: uint64(fence)}, nil
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

// Release deletes the lock iff the token still holds it. Stale releases are
// silent no-ops per the contract.
func (m *Mutex) Release(ctx context.Context, token session.Token) error {
	if _, err := releaseScript.Run(ctx, m.rdb, []string{m.lockKey(token.Key)}, token.Value).Result(); err != nil {
		return fmt.Errorf("redis mutex release: %w", err)
	}
	return nil
}

// Extend resets the lease to additional from now while the token still holds
// the lock.
func (m *Mutex) Extend(ctx context.Context, token session.Token, additional time.Duration) error {
	res, err := extendScript.Run(ctx, m.rdb, []string{m.lockKey(token.Key)}, token.Value, additional.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis mutex extend: %w", err)
	}
	if res == 0 {
		return session.ErrLockLost
	}
	return nil
}

// Held reports whether the token is still the current holder.
func (m *Mutex) Held(ctx context.Context, token session.Token) (bool, error) {
	val, err := m.rdb.Get(ctx, m.lockKey(token.Key)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis mutex held: %w", err)
	}
	return val == token.Value, nil
}

// ForceRelease removes the lock regardless of holder.
func (m *Mutex) ForceRelease(ctx context.Context, key session.Key) error {
	if err := m.rdb.Del(ctx, m.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("redis mutex force release: %w", err)
	}
	return nil
}

func (i *Index) indexKey(key session.Key) string {
	return fmt.Sprintf("%s:index:%s", i.prefix, key)
}

// Get returns the registered workflow instance, if the entry has not expired.
func (i *Index) Get(ctx context.Context, key session.Key) (string, bool, error) {
	val, err := i.rdb.Get(ctx, i.indexKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis index get: %w", err)
	}
	return val, true, nil
}

// Set registers the workflow under the key with the given TTL.
func (i *Index) Set(ctx context.Context, key session.Key, workflowID string, ttl time.Duration) error {
	if err := i.rdb.Set(ctx, i.indexKey(key), workflowID, ttl).Err(); err != nil {
		return fmt.Errorf("redis index set: %w", err)
	}
	return nil
}

// Clear removes the entry.
func (i *Index) Clear(ctx context.Context, key session.Key) error {
	if err := i.rdb.Del(ctx, i.indexKey(key)).Err(); err != nil {
		return fmt.Errorf("redis index clear: %w", err)
	}
	return nil
}

func (q *Queue) queueKey(key session.Key) string {
	return fmt.Sprintf("%s:pending:%s", q.prefix, key)
}

// Push appends a message to the session's queue.
func (q *Queue) Push(ctx context.Context, key session.Key, msg session.PendingMessage) error {
	blob, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis queue encode: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queueKey(key), blob).Err(); err != nil {
		return fmt.Errorf("redis queue push: %w", err)
	}
	return nil
}

// Peek returns the queued message count.
func (q *Queue) Peek(ctx context.Context, key session.Key) (int, error) {
	n, err := q.rdb.LLen(ctx, q.queueKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue peek: %w", err)
	}
	return int(n), nil
}

// Pop removes and returns the oldest queued message.
func (q *Queue) Pop(ctx context.Context, key session.Key) (session.PendingMessage, bool, error) {
	blob, err := q.rdb.LPop(ctx, q.queueKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return session.PendingMessage{}, false, nil
	}
	if err != nil {
		return session.PendingMessage{}, false, fmt.Errorf("redis queue pop: %w", err)
	}
	var msg session.PendingMessage
	if err := json.Unmarshal(blob, &msg); err != nil {
		return session.PendingMessage{}, false, fmt.Errorf("redis queue decode: %w", err)
	}
	return msg, true, nil
}

// Drain removes and returns all queued messages in FIFO order.
func (q *Queue) Drain(ctx context.Context, key session.Key) ([]session.PendingMessage, error) {
	res, err := drainScript.Run(ctx, q.rdb, []string{q.queueKey(key)}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis queue drain: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	msgs := make([]session.PendingMessage, 0, len(res))
	for _, blob := range res {
		var msg session.PendingMessage
		if err := json.Unmarshal([]byte(blob), &msg); err != nil {
			return nil, fmt.Errorf("redis queue decode: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
