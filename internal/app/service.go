package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"cowrite/api/internal/access"
	"cowrite/api/internal/docsync"
	"cowrite/api/internal/documents"
	"cowrite/api/internal/events"
	"cowrite/api/internal/logger"
	"cowrite/api/internal/presence"
	"cowrite/api/internal/store"
)

// Check probes one dependency for the readiness endpoint.
type Check func(ctx context.Context) error

// OpenedDocument is everything an editor needs to start working on a document.
// Steps replay on top of Snapshot, which sits at SnapshotVersion.
type OpenedDocument struct {
	Document        store.Document
	Initialized     bool
	SnapshotVersion int64
	Snapshot        []byte
	Version         int64
	Steps           []store.Step
	Presence        []presence.Entry
}

// Service composes documents, sync and presence for one caller at a time.
// It owns no state of its own.
type Service struct {
	documents *documents.Service
	sync      *docsync.Engine
	presence  presence.Tracker
	hub       *events.Hub
	checks    map[string]Check
	now       func() time.Time
}

func New(docs *documents.Service, engine *docsync.Engine, tracker presence.Tracker, hub *events.Hub) *Service {
	return &Service{
		documents: docs,
		sync:      engine,
		presence:  tracker,
		hub:       hub,
		checks:    make(map[string]Check),
		now:       time.Now,
	}
}

// WithCheck registers a readiness check under name.
func (s *Service) WithCheck(name string, check Check) *Service {
	s.checks[name] = check
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Hub() *events.Hub {
	return s.hub
}

// Ready runs every registered check and returns each result by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]error, len(names))
	for _, name := range names {
		results[name] = s.checks[name](ctx)
	}
	return results
}

func (s *Service) ListDocuments(ctx context.Context, userID string) (documents.Listing, error) {
	return s.documents.List(ctx, userID)
}

func (s *Service) SearchDocuments(ctx context.Context, userID, text string) ([]store.Document, error) {
	return s.documents.Search(ctx, userID, text)
}

func (s *Service) GetDocument(ctx context.Context, userID, documentID string) (store.Document, bool, error) {
	return s.documents.Get(ctx, userID, documentID)
}

func (s *Service) CreateDocument(ctx context.Context, userID, title string, isPublic bool) (string, error) {
	return s.documents.Create(ctx, userID, title, isPublic)
}

func (s *Service) UpdateTitle(ctx context.Context, userID, documentID, title string) (store.Document, error) {
	return s.documents.UpdateTitle(ctx, userID, documentID, title)
}

func (s *Service) UpdateVisibility(ctx context.Context, userID, documentID string, isPublic bool) (store.Document, error) {
	return s.documents.UpdateVisibility(ctx, userID, documentID, isPublic)
}

// DeleteDocument removes the document and then tears down everything keyed by it.
// Cleanup failures after a successful delete are logged, not returned.
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if err := s.documents.Delete(ctx, userID, documentID); err != nil {
		return err
	}
	if err := s.presence.Clear(ctx, documentID); err != nil {
		logger.Sugar.Warnw("clear presence after delete", "documentId", documentID, "error", err)
	}
	if err := s.sync.ForgetHistory(ctx, documentID); err != nil {
		logger.Sugar.Warnw("remove history after delete", "documentId", documentID, "error", err)
	}
	s.hub.Close(documentID)
	return nil
}

// OpenDocument returns the document, its converged content and who else is
// editing. A missing document is reported as store.ErrNotFound.
func (s *Service) OpenDocument(ctx context.Context, userID, documentID string) (OpenedDocument, error) {
	doc, found, err := s.documents.Get(ctx, userID, documentID)
	if err != nil {
		return OpenedDocument{}, err
	}
	if !found {
		return OpenedDocument{}, store.ErrNotFound
	}

	opened := OpenedDocument{Document: doc}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		latest, err := s.sync.GetLatest(gctx, userID, documentID)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if !latest.Initialized {
			return nil
		}
		pending, err := s.sync.GetStepsSince(gctx, userID, documentID, latest.Version)
		if err != nil {
			return fmt.Errorf("load pending steps: %w", err)
		}
		opened.Initialized = true
		opened.SnapshotVersion = latest.Version
		opened.Snapshot = latest.Snapshot
		opened.Version = pending.Version
		opened.Steps = pending.Steps
		if pending.Resync != nil {
			// Compacted between the two reads.
			opened.SnapshotVersion = pending.Resync.SnapshotVersion
			opened.Snapshot = pending.Resync.Snapshot
			opened.Steps = pending.Resync.Steps
		}
		return nil
	})
	g.Go(func() error {
		active, err := s.presence.ListActive(gctx, documentID, s.now())
		if err != nil {
			return fmt.Errorf("list presence: %w", err)
		}
		opened.Presence = active
		return nil
	})
	if err := g.Wait(); err != nil {
		return OpenedDocument{}, err
	}
	if opened.Steps == nil {
		opened.Steps = []store.Step{}
	}
	return opened, nil
}

func (s *Service) GetLatest(ctx context.Context, userID, documentID string) (docsync.Latest, error) {
	return s.sync.GetLatest(ctx, userID, documentID)
}

func (s *Service) LatestVersion(ctx context.Context, userID, documentID string) (int64, bool, error) {
	return s.sync.LatestVersion(ctx, userID, documentID)
}

func (s *Service) GetStepsSince(ctx context.Context, userID, documentID string, version int64) (docsync.StepsResult, error) {
	return s.sync.GetStepsSince(ctx, userID, documentID, version)
}

func (s *Service) SubmitSteps(ctx context.Context, userID, documentID string, sub docsync.Submission) (docsync.SubmitResult, error) {
	return s.sync.SubmitSteps(ctx, userID, documentID, sub)
}

func (s *Service) CreateInitialSnapshot(ctx context.Context, userID, documentID string, content []byte) (int64, error) {
	return s.sync.CreateInitialSnapshot(ctx, userID, documentID, content)
}

func (s *Service) SubmitSnapshot(ctx context.Context, userID, documentID string, version int64, content []byte) (bool, error) {
	return s.sync.SubmitSnapshot(ctx, userID, documentID, version, content)
}

func (s *Service) History(ctx context.Context, userID, documentID string, limit int) ([]store.Checkpoint, error) {
	return s.sync.History(ctx, userID, documentID, limit)
}

func (s *Service) Checkpoint(ctx context.Context, userID, documentID, checkpointID string) ([]byte, error) {
	return s.sync.Checkpoint(ctx, userID, documentID, checkpointID)
}

// Heartbeat marks userID present on the document. Presence itself is not a
// security boundary, but only readers of the document may announce themselves.
func (s *Service) Heartbeat(ctx context.Context, userID, documentID string, data []byte) error {
	if err := s.requireReader(ctx, userID, documentID); err != nil {
		return err
	}
	return s.presence.Heartbeat(ctx, documentID, userID, data)
}

func (s *Service) ListPresence(ctx context.Context, userID, documentID string) ([]presence.Entry, error) {
	if err := s.requireReader(ctx, userID, documentID); err != nil {
		return nil, err
	}
	return s.presence.ListActive(ctx, documentID, s.now())
}

func (s *Service) Leave(ctx context.Context, userID, documentID string) error {
	if err := access.RequireUser(userID); err != nil {
		return err
	}
	return s.presence.Leave(ctx, documentID, userID)
}

// AuthorizeFeed checks that userID may follow the document's change feed.
func (s *Service) AuthorizeFeed(ctx context.Context, userID, documentID string) error {
	return s.requireReader(ctx, userID, documentID)
}

func (s *Service) requireReader(ctx context.Context, userID, documentID string) error {
	_, found, err := s.documents.Get(ctx, userID, documentID)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotFound
	}
	return nil
}
