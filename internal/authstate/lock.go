// ABOUTME: Two-tier write serialization: distributed Redis lock with local mutex fallback.
// ABOUTME: WithLock always runs the write; the lock only prevents concurrent writers.

package authstate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL        = 8 * time.Second
	lockAttempts   = 5
	lockRetryDelay = 100 * time.Millisecond
)

// Locker acquires a cross-process lock on a named resource. The returned
// release function must be safe to call exactly once.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (release func(), err error)
}

// RedisLocker implements Locker with SET NX and a compare-and-delete release
// so one process can never release another's lock.
type RedisLocker struct {
	client   *redis.Client
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// NewRedisLocker creates a locker over the given Redis client.
func NewRedisLocker(client *redis.Client, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client:   client,
		attempts: lockAttempts,
		delay:    lockRetryDelay,
		logger:   logger.With("component", "redislock"),
	}
}

// Acquire attempts the lock a bounded number of times with jittered retry.
// Acquisition is never unbounded: attempts x delay caps the wait.
func (l *RedisLocker) Acquire(ctx context.Context, resource string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()

	var lastErr error
	for i := 0; i < l.attempts; i++ {
		if i > 0 {
			jitter := time.Duration(rand.Int63n(int64(l.delay)))
			select {
			case <-time.After(l.delay + jitter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ok, err := l.client.SetNX(ctx, resource, token, ttl).Result()
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := unlockScript.Run(releaseCtx, l.client, []string{resource}, token).Err(); err != nil && err != redis.Nil {
					l.logger.Warn("failed to release lock", "resource", resource, "error", err)
				}
			}, nil
		}
		lastErr = fmt.Errorf("lock %s held by another process", resource)
	}

	return nil, fmt.Errorf("acquiring lock %s: %w", resource, lastErr)
}

// SessionLocks serializes credential writes per session id. It tries the
// distributed locker first; on acquisition failure it degrades to an
// in-process mutex so the write still happens, just not cross-process safe.
type SessionLocks struct {
	locker Locker
	logger *slog.Logger
	mu     sync.Mutex
	local  map[string]*sync.Mutex
}

// NewSessionLocks creates the two-tier lock strategy. A nil locker means
// local-only serialization (single-process deployments).
func NewSessionLocks(locker Locker, logger *slog.Logger) *SessionLocks {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionLocks{
		locker: locker,
		logger: logger.With("component", "sessionlocks"),
		local:  make(map[string]*sync.Mutex),
	}
}

func (s *SessionLocks) localMutex(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.local[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.local[sessionID] = m
	}
	return m
}

// WithLock runs fn while holding the session's write lock. A distributed
// lock failure degrades to local serialization; it never blocks the write
// itself. Release is guaranteed on every exit path, including fn panicking.
func (s *SessionLocks) WithLock(ctx context.Context, sessionID string, fn func() error) error {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "locks:session:"+sessionID, lockTTL)
		if err == nil {
			defer release()
			return fn()
		}
		s.logger.Warn("distributed lock unavailable, degrading to local mutex",
			"session_id", sessionID, "error", err)
	}

	m := s.localMutex(sessionID)
	m.Lock()
	defer m.Unlock()
	return fn()
}
