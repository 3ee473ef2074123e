// Package documents manages document metadata: listing, search, creation,
// title and visibility changes, and deletion. Every call is access checked.
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"cowrite/api/internal/access"
	"cowrite/api/internal/events"
	"cowrite/api/internal/logger"
	"cowrite/api/internal/search"
	"cowrite/api/internal/store"
	"cowrite/api/internal/util"
)

// SearchLimit caps each of the private and public halves of a search.
const SearchLimit = 10

// searchFetch is how many hits each half asks the index for; stale hits are
// dropped before the result is cut to SearchLimit.
const searchFetch = 2 * SearchLimit

const maxTitleLength = 512

var ErrInvalidTitle = errors.New("title must be valid UTF-8 of at most 512 characters")

type Store interface {
	InsertDocument(ctx context.Context, item store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetDocuments(ctx context.Context, ids []string) ([]store.Document, error)
	ListDocumentsByCreator(ctx context.Context, userID string) ([]store.Document, error)
	ListPublicDocuments(ctx context.Context) ([]store.Document, error)
	ListAllDocuments(ctx context.Context) ([]store.Document, error)
	UpdateDocumentTitle(ctx context.Context, documentID, title string, now time.Time) (store.Document, error)
	UpdateDocumentVisibility(ctx context.Context, documentID string, isPublic bool, now time.Time) (store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// Index is the search facade as seen by this package.
type Index interface {
	Search(ctx context.Context, q search.Query) ([]string, error)
	IndexDocument(ctx context.Context, doc search.DocumentRecord)
	DeleteDocument(ctx context.Context, id string)
	ReindexAll(ctx context.Context, documents []search.DocumentRecord)
}

type Listing struct {
	Private []store.Document
	Public  []store.Document
}

type Service struct {
	store  Store
	index  Index
	events events.Publisher
	now    func() time.Time
}

func NewService(s Store, index Index, publisher events.Publisher) *Service {
	return &Service{store: s, index: index, events: publisher, now: time.Now}
}

// WithClock replaces the time source; tests freeze it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// List returns the caller's own documents and every public document, newest first.
// A public document of the caller's appears in both halves.
func (s *Service) List(ctx context.Context, userID string) (Listing, error) {
	if err := access.RequireUser(userID); err != nil {
		return Listing{}, err
	}
	own, err := s.store.ListDocumentsByCreator(ctx, userID)
	if err != nil {
		return Listing{}, fmt.Errorf("list own documents: %w", err)
	}
	public, err := s.store.ListPublicDocuments(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("list public documents: %w", err)
	}
	return Listing{Private: own, Public: public}, nil
}

// Search returns up to SearchLimit of the caller's private matches followed by up
// to SearchLimit public matches. Index hits are reloaded from the store and checked
// again, so a stale index can never surface a document the caller cannot read.
func (s *Service) Search(ctx context.Context, userID, text string) ([]store.Document, error) {
	if err := access.RequireUser(userID); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return []store.Document{}, nil
	}

	private, err := s.searchScope(ctx, userID, search.Query{Text: text, Scope: search.ScopePrivate, OwnerID: userID, Limit: searchFetch})
	if err != nil {
		return nil, err
	}
	public, err := s.searchScope(ctx, userID, search.Query{Text: text, Scope: search.ScopePublic, Limit: searchFetch})
	if err != nil {
		return nil, err
	}
	return append(private, public...), nil
}

func (s *Service) searchScope(ctx context.Context, userID string, q search.Query) ([]store.Document, error) {
	ids, err := s.index.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search %s documents: %w", q.Scope, err)
	}
	items, err := s.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load %s search hits: %w", q.Scope, err)
	}

	matched := make([]store.Document, 0, len(items))
	for _, item := range items {
		if !inScope(item, userID, q.Scope) || !access.CanRead(item, userID) {
			continue
		}
		matched = append(matched, item)
		if len(matched) == SearchLimit {
			break
		}
	}
	return matched, nil
}

func inScope(item store.Document, userID string, scope search.Scope) bool {
	if scope == search.ScopePrivate {
		return !item.IsPublic && item.CreatedBy == userID
	}
	return item.IsPublic
}

// Get reports found=false with a nil error when the document does not exist.
func (s *Service) Get(ctx context.Context, userID, documentID string) (store.Document, bool, error) {
	if err := access.RequireUser(userID); err != nil {
		return store.Document{}, false, err
	}
	item, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, false, nil
	}
	if err != nil {
		return store.Document{}, false, fmt.Errorf("get document: %w", err)
	}
	if err := access.Require(item, userID, access.ActionRead); err != nil {
		return store.Document{}, false, err
	}
	return item, true, nil
}

func (s *Service) Create(ctx context.Context, userID, title string, isPublic bool) (string, error) {
	if err := access.RequireUser(userID); err != nil {
		return "", err
	}
	if err := validateTitle(title); err != nil {
		return "", err
	}
	now := s.now()
	item := store.Document{
		ID:        util.NewID(""),
		Title:     title,
		IsPublic:  isPublic,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertDocument(ctx, item); err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}
	s.afterWrite(ctx, item, events.DocumentCreated, userID)
	logger.Sugar.Infow("document created", "documentId", item.ID, "userId", userID, "isPublic", isPublic)
	return item.ID, nil
}

func (s *Service) UpdateTitle(ctx context.Context, userID, documentID, title string) (store.Document, error) {
	if err := access.RequireUser(userID); err != nil {
		return store.Document{}, err
	}
	if err := validateTitle(title); err != nil {
		return store.Document{}, err
	}
	if _, err := s.requireAdmin(ctx, userID, documentID); err != nil {
		return store.Document{}, err
	}
	item, err := s.store.UpdateDocumentTitle(ctx, documentID, title, s.now())
	if err != nil {
		return store.Document{}, fmt.Errorf("update title: %w", err)
	}
	s.afterWrite(ctx, item, events.DocumentUpdated, userID)
	return item, nil
}

// UpdateVisibility is idempotent in content; it still bumps UpdatedAt.
func (s *Service) UpdateVisibility(ctx context.Context, userID, documentID string, isPublic bool) (store.Document, error) {
	if _, err := s.requireAdmin(ctx, userID, documentID); err != nil {
		return store.Document{}, err
	}
	item, err := s.store.UpdateDocumentVisibility(ctx, documentID, isPublic, s.now())
	if err != nil {
		return store.Document{}, fmt.Errorf("update visibility: %w", err)
	}
	s.afterWrite(ctx, item, events.DocumentUpdated, userID)
	return item, nil
}

// Delete removes the document with its sync state and steps.
func (s *Service) Delete(ctx context.Context, userID, documentID string) error {
	if _, err := s.requireAdmin(ctx, userID, documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	s.index.DeleteDocument(ctx, documentID)
	s.events.Publish(events.Event{Kind: events.DocumentDeleted, DocumentID: documentID, UserID: userID, At: s.now()})
	logger.Sugar.Infow("document deleted", "documentId", documentID, "userId", userID)
	return nil
}

// Reindex pushes every stored document into the search index.
func (s *Service) Reindex(ctx context.Context) error {
	items, err := s.store.ListAllDocuments(ctx)
	if err != nil {
		return fmt.Errorf("load documents for reindex: %w", err)
	}
	records := make([]search.DocumentRecord, 0, len(items))
	for _, item := range items {
		records = append(records, record(item))
	}
	s.index.ReindexAll(ctx, records)
	return nil
}

// requireAdmin distinguishes a missing document (ErrNotFound) from one the caller
// may not administer (ErrAccessDenied).
func (s *Service) requireAdmin(ctx context.Context, userID, documentID string) (store.Document, error) {
	if err := access.RequireUser(userID); err != nil {
		return store.Document{}, err
	}
	item, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, fmt.Errorf("get document: %w", err)
	}
	if err := access.Require(item, userID, access.ActionAdmin); err != nil {
		return store.Document{}, err
	}
	return item, nil
}

func (s *Service) afterWrite(ctx context.Context, item store.Document, kind events.Kind, userID string) {
	s.index.IndexDocument(ctx, record(item))
	s.events.Publish(events.Event{Kind: kind, DocumentID: item.ID, UserID: userID, At: item.UpdatedAt})
}

func record(item store.Document) search.DocumentRecord {
	return search.NewDocumentRecord(item.ID, item.Title, item.IsPublic, item.CreatedBy, item.CreatedAt)
}

func validateTitle(title string) error {
	if !utf8.ValidString(title) || utf8.RuneCountInString(title) > maxTitleLength {
		return ErrInvalidTitle
	}
	return nil
}
