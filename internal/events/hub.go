// Package events fans out per-document change notifications to in-process
// subscribers and WebSocket clients. Events carry no content; subscribers re-fetch.
package events

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"cowrite/api/internal/logger"
)

type Kind string

const (
	DocumentCreated   Kind = "document.created"
	DocumentUpdated   Kind = "document.updated"
	DocumentDeleted   Kind = "document.deleted"
	SnapshotCreated   Kind = "sync.snapshot"
	StepsAccepted     Kind = "sync.steps"
	SnapshotCompacted Kind = "sync.compacted"
)

type Event struct {
	Kind       Kind      `json:"kind"`
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId,omitempty"`
	Version    int64     `json:"version"`
	At         time.Time `json:"at"`
}

// Publisher is what mutating services depend on.
type Publisher interface {
	Publish(ev Event)
}

const subscriptionBuffer = 64

// Subscription receives events for one document until it is closed.
type Subscription struct {
	DocumentID string
	C          <-chan Event

	ch     chan Event
	closed bool
}

// Hub keeps a room of subscriptions per document.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]mapset.Set[*Subscription]
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]mapset.Set[*Subscription])}
}

func (h *Hub) Subscribe(documentID string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{DocumentID: documentID, C: ch, ch: ch}

	h.mu.Lock()
	room, ok := h.rooms[documentID]
	if !ok {
		room = mapset.NewThreadUnsafeSet[*Subscription]()
		h.rooms[documentID] = room
	}
	room.Add(sub)
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *Hub) dropLocked(sub *Subscription) {
	if room, ok := h.rooms[sub.DocumentID]; ok {
		room.Remove(sub)
		if room.Cardinality() == 0 {
			delete(h.rooms, sub.DocumentID)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Publish never blocks: a subscriber whose buffer is full is dropped and has
// to reconnect and re-fetch.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[ev.DocumentID]
	if !ok {
		return
	}
	for _, sub := range room.ToSlice() {
		select {
		case sub.ch <- ev:
		default:
			logger.Sugar.Warnw("dropping slow event subscriber", "documentId", ev.DocumentID)
			h.dropLocked(sub)
		}
	}
}

// Close ends every subscription for the document, e.g. after it is deleted.
func (h *Hub) Close(documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[documentID]
	if !ok {
		return
	}
	for _, sub := range room.ToSlice() {
		h.dropLocked(sub)
	}
}

// Subscribers reports how many subscriptions a document currently has.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[documentID]; ok {
		return room.Cardinality()
	}
	return 0
}
