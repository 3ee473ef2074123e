package presence

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Tracker.
type Memory struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	rooms map[string]map[string]Entry
}

func NewMemory(ttl time.Duration) *Memory {
	return NewMemoryWithClock(ttl, time.Now)
}

func NewMemoryWithClock(ttl time.Duration, now func() time.Time) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:   ttl,
		now:   now,
		rooms: make(map[string]map[string]Entry),
	}
}

func (m *Memory) TTL() time.Duration {
	return m.ttl
}

// Heartbeat upserts the caller's entry and drops entries of the same document
// that have expired, so abandoned rooms do not grow without bound.
func (m *Memory) Heartbeat(_ context.Context, documentID, userID string, data []byte) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[documentID]
	if !ok {
		room = make(map[string]Entry)
		m.rooms[documentID] = room
	}
	for id, entry := range room {
		if !Active(entry.LastHeartbeatAt, now, m.ttl) {
			delete(room, id)
		}
	}
	room[userID] = Entry{UserID: userID, LastHeartbeatAt: now, Data: cloneBytes(data)}
	return nil
}

func (m *Memory) ListActive(_ context.Context, documentID string, now time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]Entry, 0, len(m.rooms[documentID]))
	for _, entry := range m.rooms[documentID] {
		if Active(entry.LastHeartbeatAt, now, m.ttl) {
			entry.Data = cloneBytes(entry.Data)
			entries = append(entries, entry)
		}
	}
	sortEntries(entries)
	return entries, nil
}

func (m *Memory) Leave(_ context.Context, documentID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[documentID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(m.rooms, documentID)
		}
	}
	return nil
}

func (m *Memory) Clear(_ context.Context, documentID string) error {
	m.mu.Lock()
	delete(m.rooms, documentID)
	m.mu.Unlock()
	return nil
}
