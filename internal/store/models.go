package store

import "time"

type Document struct {
	ID        string
	Title     string
	IsPublic  bool
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncState is the converged snapshot of a document. Steps with a version above
// SnapshotVersion are still pending and replay on top of Snapshot.
type SyncState struct {
	DocumentID      string
	Version         int64
	SnapshotVersion int64
	Snapshot        []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Step is one accepted content change. Version is the document version the step
// produced; BaseVersion is the version its batch was authored against.
type Step struct {
	Version     int64
	BaseVersion int64
	ClientID    string
	Data        []byte
	CreatedAt   time.Time
}

// Checkpoint is a compacted snapshot kept in the document's history.
type Checkpoint struct {
	ID        string
	Version   int64
	Author    string
	Size      int
	CreatedAt time.Time
}
