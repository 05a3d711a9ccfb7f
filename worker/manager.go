package worker

import (
	"fmt"
	"sort"
	"sync"
)

// Manager routes jobs to connectors by service type. Thread-safe for
// concurrent registration and lookup.
type Manager struct {
	connectors map[string]Connector
	mu         sync.RWMutex
}

// NewManager creates an empty connector manager.
func NewManager() *Manager {
	return &Manager{
		connectors: make(map[string]Connector),
	}
}

// Register adds a connector under its service name.
// Panics if a connector is already registered for that service; duplicate
// registration is a wiring bug, not a runtime condition.
func (m *Manager) Register(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Name()
	if _, exists := m.connectors[name]; exists {
		panic(fmt.Sprintf("connector already registered for service: %s", name))
	}
	m.connectors[name] = c
}

// Get retrieves the connector for a service type.
// Returns nil if none is registered.
func (m *Manager) Get(service string) Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectors[service]
}

// Has checks whether a connector is registered for a service.
func (m *Manager) Has(service string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.connectors[service]
	return exists
}

// Names returns all registered service types in stable order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.connectors))
	for name := range m.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
