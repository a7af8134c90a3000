// ABOUTME: Tests for the two-tier session lock strategy.
// ABOUTME: A failing distributed locker must degrade to local serialization, never block the write.

package authstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLocker scripts distributed lock behavior for tests.
type stubLocker struct {
	mu       sync.Mutex
	fail     bool
	acquired int
	released int
}

func (l *stubLocker) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fail {
		return nil, errors.New("redis unreachable")
	}
	l.acquired++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released++
	}, nil
}

func TestWithLock_UsesDistributedLock(t *testing.T) {
	locker := &stubLocker{}
	locks := NewSessionLocks(locker, nil)

	ran := false
	err := locks.WithLock(context.Background(), "s1", func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released, "lock must be released after fn returns")
}

func TestWithLock_DegradesToLocalMutexOnFailure(t *testing.T) {
	locker := &stubLocker{fail: true}
	locks := NewSessionLocks(locker, nil)

	ran := false
	err := locks.WithLock(context.Background(), "s1", func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran, "a failed lock must never block the write")
}

func TestWithLock_NilLockerSerializesLocally(t *testing.T) {
	locks := NewSessionLocks(nil, nil)

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locks.WithLock(context.Background(), "s1", func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "writes for one session must not overlap")
}

func TestWithLock_IndependentSessionsDoNotBlock(t *testing.T) {
	locks := NewSessionLocks(nil, nil)

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = locks.WithLock(context.Background(), "s1", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = locks.WithLock(context.Background(), "s2", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for s2 blocked behind s1")
	}
	close(release)
}

func TestWithLock_ReleaseOnError(t *testing.T) {
	locker := &stubLocker{}
	locks := NewSessionLocks(locker, nil)

	wantErr := errors.New("write failed")
	err := locks.WithLock(context.Background(), "s1", func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, locker.released, "lock must be released on the error path too")
}
