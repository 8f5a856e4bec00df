package database

import (
	"errors"
	"sync"
)

var ErrPacketIDExhausted = errors.New("no packet identifier available")

// PacketIDManager allocates MQTT packet identifiers for one session.
type PacketIDManager struct {
	mu        sync.Mutex
	currentID uint16
	released  map[uint16]struct{}
	inUse     map[uint16]struct{}
}

func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		currentID: 1,
		released:  make(map[uint16]struct{}),
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID returns an identifier not currently in flight.
func (m *PacketIDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.released {
		delete(m.released, id)
		m.inUse[id] = struct{}{}
		return id, nil
	}

	if len(m.inUse) >= 65535 {
		return 0, ErrPacketIDExhausted
	}
	for {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 {
			m.currentID = 1
		}
		if _, busy := m.inUse[id]; !busy {
			m.inUse[id] = struct{}{}
			return id, nil
		}
	}
}

// ReleaseID returns id to the pool once its acknowledgement arrives.
// Unknown ids are ignored.
func (m *PacketIDManager) ReleaseID(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inUse[id]; !ok {
		return false
	}
	delete(m.inUse, id)
	m.released[id] = struct{}{}
	return true
}

func (m *PacketIDManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inUse)
}
