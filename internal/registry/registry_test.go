// ABOUTME: Tests for the connector registry.
// ABOUTME: Covers liveness filtering, replace-on-register, and concurrent access.

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendnotif/wagate/internal/store"
)

func liveConnector(id string) *Connector {
	return &Connector{
		Engine:      "multidevice",
		SessionID:   id,
		SessionName: "session-" + id,
		IsConnected: func() bool { return true },
	}
}

func TestRegister_RequiresSessionID(t *testing.T) {
	r := New(nil)
	err := r.Register(&Connector{Engine: "multidevice"})
	assert.ErrorIs(t, err, ErrMissingSessionID)
}

func TestGet_ReturnsLiveConnector(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(liveConnector("s1")))

	c, err := r.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", c.SessionID)
}

func TestGet_StaleConnectorTreatedAsAbsent(t *testing.T) {
	r := New(nil)
	stale := liveConnector("s1")
	stale.IsConnected = func() bool { return false }
	require.NoError(t, r.Register(stale))

	_, err := r.Get("s1")
	assert.ErrorIs(t, err, ErrNotFound)
	// Has still sees the zombie entry; only Get filters by liveness.
	assert.True(t, r.Has("s1"))
}

func TestUnregister(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(liveConnector("s1")))

	assert.True(t, r.Unregister("s1"))
	assert.False(t, r.Unregister("s1"))
	assert.False(t, r.Has("s1"))
}

func TestRegister_ReplacesExisting(t *testing.T) {
	r := New(nil)
	first := liveConnector("s1")
	second := liveConnector("s1")
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	c, err := r.Get("s1")
	require.NoError(t, err)
	assert.Same(t, second, c)
	assert.Len(t, r.All(), 1)
}

func TestConnector_ConcurrentAttributeAccess(t *testing.T) {
	r := New(nil)
	c := liveConnector("s1")
	c.SetAttributes(&store.SessionAttributes{MessageDelay: 1})
	require.NoError(t, r.Register(c))

	// Attribute updates arrive from request goroutines while the engine
	// reads them; both sides must be able to interleave freely.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.SetAttributes(&store.SessionAttributes{MessageDelay: n*1000 + j})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if got, err := r.Get("s1"); err == nil {
					_ = got.Attributes()
				}
			}
		}()
	}
	wg.Wait()

	assert.NotNil(t, c.Attributes())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			_ = r.Register(liveConnector(id))
			_, _ = r.Get(id)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, r.All())
}
