package relay

import "sync"

// NetworkMonitor reports local connectivity. Retries wait while Online is false.
type NetworkMonitor interface {
	Online() bool
	Changes() <-chan bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool         { return true }
func (alwaysOnline) Changes() <-chan bool { return nil }

// ManualNetworkMonitor is flipped by the host application (or tests).
type ManualNetworkMonitor struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

func NewManualNetworkMonitor(online bool) *ManualNetworkMonitor {
	return &ManualNetworkMonitor{online: online, changes: make(chan bool, 1)}
}

func (m *ManualNetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *ManualNetworkMonitor) Changes() <-chan bool {
	return m.changes
}

func (m *ManualNetworkMonitor) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}
	select {
	case m.changes <- online:
	default:
		// Latest value is read through Online; a pending signal is enough.
	}
}
