package valkey

import (
	"sync"

	"s7link/config"
	"s7link/poller"
)

// Manager manages multiple Valkey publishers and acts as a poller sink.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
	}
}

// Name identifies the manager as a poller sink.
func (m *Manager) Name() string { return "valkey" }

// LoadFromConfig creates a publisher per enabled entry.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range configs {
		if !configs[i].Enabled {
			continue
		}
		m.publishers = append(m.publishers, NewPublisher(&configs[i], namespace))
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.Name() == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all publishers and returns how many are running.
func (m *Manager) StartAll() int {
	count := 0
	for _, pub := range m.List() {
		if err := pub.Start(); err != nil {
			debugLog("Failed to start Valkey %s: %v", pub.Name(), err)
			continue
		}
		debugLog("Started Valkey %s at %s", pub.Name(), pub.Address())
		count++
	}
	return count
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// PublishChanges stores changes on every running publisher.
func (m *Manager) PublishChanges(changes []poller.ValueChange) {
	for _, pub := range m.List() {
		if err := pub.Publish(changes); err != nil {
			debugLog("%s: %v", pub.Name(), err)
		}
	}
}

// PublishHealth stores health on every running publisher.
func (m *Manager) PublishHealth(h poller.Health) {
	for _, pub := range m.List() {
		if err := pub.StoreHealth(h); err != nil {
			debugLog("%s: health: %v", pub.Name(), err)
		}
	}
}
