package server

import (
	"sort"
	"sync"

	"k8s.io/utils/keymutex"

	"github.com/Rysertio/screenstreaming/internal/core"
	"github.com/Rysertio/screenstreaming/internal/session"
)

// ComponentsFunc builds the collaborators for one stream of a device.
type ComponentsFunc func(device string, req session.Request) session.Components

// Manager keeps at most one session per device. Start and stop of the same
// device are serialized.
type Manager struct {
	build ComponentsFunc
	hub   *EventHub
	lock  keymutex.KeyMutex

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewManager(build ComponentsFunc, hub *EventHub) *Manager {
	return &Manager{
		build:    build,
		hub:      hub,
		lock:     keymutex.NewHashed(0),
		sessions: make(map[string]*session.Session),
	}
}

// Start begins streaming device. A device with an active session is
// rejected with core.ErrSessionActive.
func (m *Manager) Start(device string, req session.Request) (session.Stats, error) {
	m.lock.LockKey(device)
	defer m.lock.UnlockKey(device)

	if s := m.get(device); s != nil && s.State().Active() {
		return s.Stats(), core.ErrSessionActive
	}

	req.Grant = device
	s := session.New(m.build(device, req), &hubListener{device: device, hub: m.hub})
	if err := s.Start(req); err != nil {
		return session.Stats{}, err
	}

	m.mu.Lock()
	m.sessions[device] = s
	m.mu.Unlock()
	return s.Stats(), nil
}

// Stop stops the device's session, if any.
func (m *Manager) Stop(device string) (session.Stats, bool) {
	m.lock.LockKey(device)
	defer m.lock.UnlockKey(device)

	s := m.get(device)
	if s == nil {
		return session.Stats{}, false
	}
	s.Stop()
	return s.Stats(), true
}

func (m *Manager) Get(device string) (session.Stats, bool) {
	s := m.get(device)
	if s == nil {
		return session.Stats{}, false
	}
	return s.Stats(), true
}

// List returns every known session ordered by device.
func (m *Manager) List() []session.Stats {
	m.mu.RLock()
	out := make([]session.Stats, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Stats())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Grant < out[j].Grant })
	return out
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.RLock()
	devices := make([]string, 0, len(m.sessions))
	for device := range m.sessions {
		devices = append(devices, device)
	}
	m.mu.RUnlock()

	for _, device := range devices {
		m.Stop(device)
	}
}

func (m *Manager) get(device string) *session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[device]
}
