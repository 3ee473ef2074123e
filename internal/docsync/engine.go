// Package docsync serializes collaborative edits per document. Clients send
// batches of opaque steps authored against a version; the engine accepts a
// batch only when its base is current and otherwise pushes back the steps the
// client has not seen, so the client rebases locally and resubmits. The server
// never merges content.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cowrite/api/internal/access"
	"cowrite/api/internal/events"
	"cowrite/api/internal/logger"
	"cowrite/api/internal/store"
)

var (
	ErrEmptyBatch     = errors.New("step batch is empty")
	ErrInvalidVersion = errors.New("version must not be negative")
)

// Store is the durable sync state as seen by the engine.
type Store interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetSyncState(ctx context.Context, documentID string) (store.SyncState, error)
	InitSyncState(ctx context.Context, documentID string, content []byte, now time.Time) (store.SyncState, error)
	AppendSteps(ctx context.Context, documentID string, baseVersion int64, clientID string, steps [][]byte, now time.Time) (int64, error)
	StepsSince(ctx context.Context, documentID string, version int64) ([]store.Step, error)
	CompactSnapshot(ctx context.Context, documentID string, version int64, content []byte, now time.Time) (bool, error)
}

// History keeps compacted snapshots as checkpoints.
type History interface {
	Record(ctx context.Context, documentID string, version int64, content []byte, author string, at time.Time) (store.Checkpoint, error)
	List(ctx context.Context, documentID string, limit int) ([]store.Checkpoint, error)
	Content(ctx context.Context, documentID, checkpointID string) ([]byte, error)
	Remove(ctx context.Context, documentID string) error
}

type Latest struct {
	Initialized bool
	Version     int64
	Snapshot    []byte
}

// Resync tells a client to drop local state and restart from Snapshot at
// SnapshotVersion followed by Steps.
type Resync struct {
	SnapshotVersion int64
	Snapshot        []byte
	Steps           []store.Step
}

type StepsResult struct {
	Version int64
	Steps   []store.Step
	Resync  *Resync
}

type Submission struct {
	BaseVersion int64
	ClientID    string
	Steps       [][]byte
}

// SubmitResult reports either an accepted batch (Accepted, new Version) or a
// push-back carrying the steps accepted since the submission's base.
type SubmitResult struct {
	Accepted bool
	Version  int64
	Steps    []store.Step
	Resync   *Resync
}

type Engine struct {
	store   Store
	history History
	events  events.Publisher
	now     func() time.Time
}

func NewEngine(s Store, publisher events.Publisher) *Engine {
	return &Engine{store: s, events: publisher, now: time.Now}
}

// WithHistory enables checkpoint recording on compaction.
func (e *Engine) WithHistory(history History) *Engine {
	e.history = history
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) authorize(ctx context.Context, userID, documentID string, action access.Action) error {
	if err := access.RequireUser(userID); err != nil {
		return err
	}
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	return access.Require(doc, userID, action)
}

// GetLatest returns the stored snapshot and the version it represents.
// Steps after it are fetched with GetStepsSince.
func (e *Engine) GetLatest(ctx context.Context, userID, documentID string) (Latest, error) {
	if err := e.authorize(ctx, userID, documentID, access.ActionRead); err != nil {
		return Latest{}, err
	}
	state, err := e.store.GetSyncState(ctx, documentID)
	if errors.Is(err, store.ErrUninitialized) {
		return Latest{}, nil
	}
	if err != nil {
		return Latest{}, fmt.Errorf("get sync state: %w", err)
	}
	return Latest{Initialized: true, Version: state.SnapshotVersion, Snapshot: state.Snapshot}, nil
}

// LatestVersion returns the current version, including accepted steps.
func (e *Engine) LatestVersion(ctx context.Context, userID, documentID string) (int64, bool, error) {
	if err := e.authorize(ctx, userID, documentID, access.ActionRead); err != nil {
		return 0, false, err
	}
	state, err := e.store.GetSyncState(ctx, documentID)
	if errors.Is(err, store.ErrUninitialized) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get sync state: %w", err)
	}
	return state.Version, true, nil
}

// GetStepsSince returns every step accepted after clientVersion in order. A client
// ahead of the server, or behind the compacted snapshot, gets a Resync instead.
func (e *Engine) GetStepsSince(ctx context.Context, userID, documentID string, clientVersion int64) (StepsResult, error) {
	if err := access.RequireUser(userID); err != nil {
		return StepsResult{}, err
	}
	if clientVersion < 0 {
		return StepsResult{}, ErrInvalidVersion
	}
	if err := e.authorize(ctx, userID, documentID, access.ActionRead); err != nil {
		return StepsResult{}, err
	}
	return e.stepsSince(ctx, documentID, clientVersion)
}

func (e *Engine) stepsSince(ctx context.Context, documentID string, clientVersion int64) (StepsResult, error) {
	state, err := e.store.GetSyncState(ctx, documentID)
	if err != nil {
		return StepsResult{}, fmt.Errorf("get sync state: %w", err)
	}
	if clientVersion > state.Version || clientVersion < state.SnapshotVersion {
		return e.resync(ctx, documentID)
	}

	steps, err := e.store.StepsSince(ctx, documentID, clientVersion)
	if err != nil {
		return StepsResult{}, fmt.Errorf("list steps: %w", err)
	}
	if !contiguous(steps, clientVersion) {
		// A compaction pruned steps between the two reads.
		return e.resync(ctx, documentID)
	}
	return StepsResult{Version: lastVersion(steps, state.Version), Steps: steps}, nil
}

const resyncAttempts = 3

func (e *Engine) resync(ctx context.Context, documentID string) (StepsResult, error) {
	var result StepsResult
	for attempt := 0; attempt < resyncAttempts; attempt++ {
		state, err := e.store.GetSyncState(ctx, documentID)
		if err != nil {
			return StepsResult{}, fmt.Errorf("get sync state: %w", err)
		}
		steps, err := e.store.StepsSince(ctx, documentID, state.SnapshotVersion)
		if err != nil {
			return StepsResult{}, fmt.Errorf("list steps: %w", err)
		}
		result = StepsResult{
			Version: lastVersion(steps, state.Version),
			Resync: &Resync{
				SnapshotVersion: state.SnapshotVersion,
				Snapshot:        state.Snapshot,
				Steps:           steps,
			},
		}
		if contiguous(steps, state.SnapshotVersion) {
			break
		}
	}
	return result, nil
}

// SubmitSteps appends the batch when BaseVersion is current. A stale base is
// pushed back with the steps accepted since it; nothing is written.
func (e *Engine) SubmitSteps(ctx context.Context, userID, documentID string, sub Submission) (SubmitResult, error) {
	if err := access.RequireUser(userID); err != nil {
		return SubmitResult{}, err
	}
	if len(sub.Steps) == 0 {
		return SubmitResult{}, ErrEmptyBatch
	}
	if sub.BaseVersion < 0 {
		return SubmitResult{}, ErrInvalidVersion
	}
	if err := e.authorize(ctx, userID, documentID, access.ActionWrite); err != nil {
		return SubmitResult{}, err
	}

	now := e.now()
	version, err := e.store.AppendSteps(ctx, documentID, sub.BaseVersion, sub.ClientID, sub.Steps, now)
	if errors.Is(err, store.ErrVersionConflict) {
		return e.pushBack(ctx, documentID, sub.BaseVersion)
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("append steps: %w", err)
	}

	e.events.Publish(events.Event{Kind: events.StepsAccepted, DocumentID: documentID, UserID: userID, Version: version, At: now})
	logger.Sugar.Debugw("steps accepted", "documentId", documentID, "userId", userID, "base", sub.BaseVersion, "version", version)
	return SubmitResult{Accepted: true, Version: version}, nil
}

func (e *Engine) pushBack(ctx context.Context, documentID string, baseVersion int64) (SubmitResult, error) {
	missed, err := e.stepsSince(ctx, documentID, baseVersion)
	if err != nil {
		return SubmitResult{}, err
	}
	logger.Sugar.Debugw("steps pushed back", "documentId", documentID, "base", baseVersion, "version", missed.Version, "resync", missed.Resync != nil)
	return SubmitResult{Accepted: false, Version: missed.Version, Steps: missed.Steps, Resync: missed.Resync}, nil
}

// CreateInitialSnapshot moves the document from uninitialized to ready at version 0.
func (e *Engine) CreateInitialSnapshot(ctx context.Context, userID, documentID string, content []byte) (int64, error) {
	if err := e.authorize(ctx, userID, documentID, access.ActionWrite); err != nil {
		return 0, err
	}
	now := e.now()
	state, err := e.store.InitSyncState(ctx, documentID, content, now)
	if err != nil {
		return 0, fmt.Errorf("create initial snapshot: %w", err)
	}
	e.events.Publish(events.Event{Kind: events.SnapshotCreated, DocumentID: documentID, UserID: userID, Version: state.Version, At: now})
	return state.Version, nil
}

// SubmitSnapshot folds the steps up to version into a new snapshot. Stale or
// future versions are ignored and reported as not applied. The content does not
// change, so the document's UpdatedAt is left alone.
func (e *Engine) SubmitSnapshot(ctx context.Context, userID, documentID string, version int64, content []byte) (bool, error) {
	if err := access.RequireUser(userID); err != nil {
		return false, err
	}
	if version < 0 {
		return false, ErrInvalidVersion
	}
	if err := e.authorize(ctx, userID, documentID, access.ActionWrite); err != nil {
		return false, err
	}
	now := e.now()
	applied, err := e.store.CompactSnapshot(ctx, documentID, version, content, now)
	if err != nil {
		return false, fmt.Errorf("compact snapshot: %w", err)
	}
	if !applied {
		return false, nil
	}

	if e.history != nil {
		if _, err := e.history.Record(ctx, documentID, version, content, userID, now); err != nil {
			logger.Sugar.Warnw("record checkpoint", "documentId", documentID, "version", version, "error", err)
		}
	}
	e.events.Publish(events.Event{Kind: events.SnapshotCompacted, DocumentID: documentID, UserID: userID, Version: version, At: now})
	return true, nil
}

// History lists recorded checkpoints, newest first.
func (e *Engine) History(ctx context.Context, userID, documentID string, limit int) ([]store.Checkpoint, error) {
	if err := e.authorize(ctx, userID, documentID, access.ActionRead); err != nil {
		return nil, err
	}
	if e.history == nil {
		return []store.Checkpoint{}, nil
	}
	items, err := e.history.List(ctx, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return items, nil
}

func (e *Engine) Checkpoint(ctx context.Context, userID, documentID, checkpointID string) ([]byte, error) {
	if err := e.authorize(ctx, userID, documentID, access.ActionRead); err != nil {
		return nil, err
	}
	if e.history == nil {
		return nil, store.ErrNotFound
	}
	content, err := e.history.Content(ctx, documentID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return content, nil
}

// ForgetHistory drops every checkpoint of a deleted document.
func (e *Engine) ForgetHistory(ctx context.Context, documentID string) error {
	if e.history == nil {
		return nil
	}
	return e.history.Remove(ctx, documentID)
}

func contiguous(steps []store.Step, after int64) bool {
	for i, step := range steps {
		if step.Version != after+int64(i)+1 {
			return false
		}
	}
	return true
}

func lastVersion(steps []store.Step, fallback int64) int64 {
	if len(steps) == 0 {
		return fallback
	}
	if last := steps[len(steps)-1].Version; last > fallback {
		return last
	}
	return fallback
}
