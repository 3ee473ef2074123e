package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps documents and sync state in process memory. One mutex guards
// everything, which makes every operation trivially atomic.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]Document
	states map[string]*memorySyncState
}

type memorySyncState struct {
	state SyncState
	steps []Step
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]Document),
		states: make(map[string]*memorySyncState),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) InsertDocument(_ context.Context, item Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[item.ID]; exists {
		return storageError("insert document", errDuplicateID)
	}
	s.docs[item.ID] = item
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return item, nil
}

func (s *MemoryStore) GetDocuments(_ context.Context, ids []string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Document, 0, len(ids))
	for _, id := range ids {
		if item, ok := s.docs[id]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (s *MemoryStore) ListDocumentsByCreator(_ context.Context, userID string) ([]Document, error) {
	return s.filterDocuments(func(item Document) bool { return item.CreatedBy == userID }), nil
}

func (s *MemoryStore) ListPublicDocuments(context.Context) ([]Document, error) {
	return s.filterDocuments(func(item Document) bool { return item.IsPublic }), nil
}

func (s *MemoryStore) ListAllDocuments(context.Context) ([]Document, error) {
	return s.filterDocuments(func(Document) bool { return true }), nil
}

func (s *MemoryStore) filterDocuments(keep func(Document) bool) []Document {
	s.mu.Lock()
	items := make([]Document, 0)
	for _, item := range s.docs {
		if keep(item) {
			items = append(items, item)
		}
	}
	s.mu.Unlock()
	SortNewestFirst(items)
	return items
}

func (s *MemoryStore) UpdateDocumentTitle(_ context.Context, documentID, title string, now time.Time) (Document, error) {
	return s.updateDocument(documentID, now, func(item *Document) { item.Title = title })
}

func (s *MemoryStore) UpdateDocumentVisibility(_ context.Context, documentID string, isPublic bool, now time.Time) (Document, error) {
	return s.updateDocument(documentID, now, func(item *Document) { item.IsPublic = isPublic })
}

func (s *MemoryStore) updateDocument(documentID string, now time.Time, apply func(*Document)) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	apply(&item)
	item.UpdatedAt = latest(item.UpdatedAt, now)
	s.docs[documentID] = item
	return item, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; !ok {
		return ErrNotFound
	}
	delete(s.states, documentID)
	delete(s.docs, documentID)
	return nil
}

func (s *MemoryStore) GetSyncState(_ context.Context, documentID string) (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[documentID]
	if !ok {
		return SyncState{}, ErrUninitialized
	}
	state := entry.state
	state.Snapshot = cloneBytes(state.Snapshot)
	return state, nil
}

func (s *MemoryStore) InitSyncState(_ context.Context, documentID string, content []byte, now time.Time) (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.docs[documentID]
	if !ok {
		return SyncState{}, ErrNotFound
	}
	if _, exists := s.states[documentID]; exists {
		return SyncState{}, ErrAlreadyInitialized
	}
	state := SyncState{
		DocumentID: documentID,
		Snapshot:   cloneBytes(content),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.states[documentID] = &memorySyncState{state: state}
	item.UpdatedAt = latest(item.UpdatedAt, now)
	s.docs[documentID] = item
	return state, nil
}

func (s *MemoryStore) AppendSteps(_ context.Context, documentID string, baseVersion int64, clientID string, steps [][]byte, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[documentID]
	if !ok {
		return 0, ErrUninitialized
	}
	item, ok := s.docs[documentID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.state.Version != baseVersion {
		return 0, ErrVersionConflict
	}

	version := entry.state.Version
	for _, data := range steps {
		version++
		entry.steps = append(entry.steps, Step{
			Version:     version,
			BaseVersion: baseVersion,
			ClientID:    clientID,
			Data:        cloneBytes(data),
			CreatedAt:   now,
		})
	}
	entry.state.Version = version
	entry.state.UpdatedAt = now
	item.UpdatedAt = latest(item.UpdatedAt, now)
	s.docs[documentID] = item
	return version, nil
}

func (s *MemoryStore) StepsSince(_ context.Context, documentID string, version int64) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := make([]Step, 0)
	entry, ok := s.states[documentID]
	if !ok {
		return steps, nil
	}
	for _, step := range entry.steps {
		if step.Version > version {
			step.Data = cloneBytes(step.Data)
			steps = append(steps, step)
		}
	}
	return steps, nil
}

func (s *MemoryStore) CompactSnapshot(_ context.Context, documentID string, version int64, content []byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[documentID]
	if !ok {
		return false, ErrUninitialized
	}
	if version <= entry.state.SnapshotVersion || version > entry.state.Version {
		return false, nil
	}
	entry.state.Snapshot = cloneBytes(content)
	entry.state.SnapshotVersion = version
	entry.state.UpdatedAt = now

	kept := entry.steps[:0]
	for _, step := range entry.steps {
		if step.Version > version {
			kept = append(kept, step)
		}
	}
	entry.steps = kept
	return true, nil
}

// SortNewestFirst orders documents by creation time descending, breaking ties by id.
func SortNewestFirst(items []Document) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
