// Package events implements a small generic pub-sub for system-wide
// notifications (SystemInfo, PersistState), grounded on the teacher's
// observer.PIDTracker mutex-guarded registry but generalized from
// "tracked PIDs" to "registered listeners."
package events

import "sync"

// Name identifies an event channel.
type Name string

const (
	// SystemInfo carries CPU/memory snapshots published by the owning
	// crawler's OS probe.
	SystemInfo Name = "system_info"
	// PersistState fires periodically and on graceful shutdown so
	// consumers can checkpoint their state.
	PersistState Name = "persist_state"
)

// Listener receives an event payload; the concrete type depends on
// Name (e.g. snapshotter.SystemInfoEvent for SystemInfo).
type Listener func(payload any)

// Manager is a thread-safe registry of listeners per event name.
type Manager struct {
	mu        sync.RWMutex
	listeners map[Name][]registration
	nextID    int
}

type registration struct {
	id int
	fn Listener
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{listeners: make(map[Name][]registration)}
}

// ListenerHandle identifies a registered listener for later removal
// via Off.
type ListenerHandle struct {
	name Name
	id   int
}

// On registers fn to run whenever name is emitted, returning a handle
// that Off can use to unregister it.
func (m *Manager) On(name Name, fn Listener) ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[name] = append(m.listeners[name], registration{id: id, fn: fn})
	return ListenerHandle{name: name, id: id}
}

// Off removes a previously registered listener.
func (m *Manager) Off(h ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.listeners[h.name]
	for i, r := range regs {
		if r.id == h.id {
			m.listeners[h.name] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Emit synchronously invokes every listener registered for name with
// payload, in registration order.
func (m *Manager) Emit(name Name, payload any) {
	m.mu.RLock()
	regs := make([]registration, len(m.listeners[name]))
	copy(regs, m.listeners[name])
	m.mu.RUnlock()

	for _, r := range regs {
		r.fn(payload)
	}
}

// ListenerCount reports how many listeners are registered for name,
// for tests and introspection.
func (m *Manager) ListenerCount(name Name) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners[name])
}
