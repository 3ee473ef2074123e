package search

import (
	"context"
	"time"
)

// Scope selects which slice of the corpus a query runs against.
type Scope string

const (
	// ScopePrivate matches the owner's documents that are not public.
	ScopePrivate Scope = "private"
	// ScopePublic matches every public document.
	ScopePublic Scope = "public"
)

// DefaultLimit caps a query that does not set Limit.
const DefaultLimit = 10

// Query describes a title search within one scope.
type Query struct {
	Text    string
	Scope   Scope
	OwnerID string
	Limit   int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Searcher returns matching document ids, best match first.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]string, error)
	Healthy() bool
}

// Indexer can push document metadata into a search index.
type Indexer interface {
	IndexDocument(ctx context.Context, doc DocumentRecord) error
	DeleteDocument(ctx context.Context, id string) error
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	IsPublic  bool   `json:"isPublic"`
	CreatedBy string `json:"createdBy"`
	CreatedAt int64  `json:"createdAt"`
}

// NewDocumentRecord builds an index record; createdAt is stored as unix milliseconds.
func NewDocumentRecord(id, title string, isPublic bool, createdBy string, createdAt time.Time) DocumentRecord {
	return DocumentRecord{
		ID:        id,
		Title:     title,
		IsPublic:  isPublic,
		CreatedBy: createdBy,
		CreatedAt: createdAt.UnixMilli(),
	}
}

func (d DocumentRecord) inScope(q Query) bool {
	switch q.Scope {
	case ScopePrivate:
		return !d.IsPublic && d.CreatedBy == q.OwnerID
	case ScopePublic:
		return d.IsPublic
	default:
		return false
	}
}
