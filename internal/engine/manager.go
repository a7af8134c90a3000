// ABOUTME: Name-keyed lookup table of registered connection engines.
// ABOUTME: Duplicate registration is a configuration error caught at startup.

package engine

import (
	"errors"
	"fmt"
	"sync"
)

// ErrEngineNotFound indicates no engine is registered under the given name.
var ErrEngineNotFound = errors.New("engine not registered")

// Manager holds every registered engine by name.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewManager creates an empty engine manager.
func NewManager() *Manager {
	return &Manager{engines: make(map[string]Engine)}
}

// Register adds an engine. Registering two engines under the same name is a
// configuration error and fails loudly so startup aborts.
func (m *Manager) Register(e Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[e.Name()]; exists {
		return fmt.Errorf("engine %q already registered", e.Name())
	}
	m.engines[e.Name()] = e
	return nil
}

// Get returns the engine registered under name.
func (m *Manager) Get(name string) (Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, name)
	}
	return e, nil
}

// Has reports whether an engine is registered under name.
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.engines[name]
	return ok
}

// Names returns the registered engine names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	return names
}
