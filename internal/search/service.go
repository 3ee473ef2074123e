package search

import (
	"context"

	"cowrite/api/internal/logger"
)

// Service is the facade that tries Meilisearch first and falls back to the
// local searcher (PG FTS or the memory index).
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) ([]string, error) {
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.Search(ctx, q)
		if err == nil {
			return ids, nil
		}
		logger.Sugar.Warnw("meilisearch error, falling back", "error", err)
	}
	if s.fallback == nil {
		return []string{}, nil
	}
	return s.fallback.Search(ctx, q)
}

// IndexDocument updates the local index synchronously when it keeps one and
// pushes to Meilisearch fire-and-forget.
func (s *Service) IndexDocument(ctx context.Context, doc DocumentRecord) {
	if local, ok := s.fallback.(Indexer); ok {
		if err := local.IndexDocument(ctx, doc); err != nil {
			logger.Sugar.Warnw("index document locally", "documentId", doc.ID, "error", err)
		}
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(context.Background(), doc); err != nil {
			logger.Sugar.Warnw("index document", "documentId", doc.ID, "error", err)
		}
	}()
}

// DeleteDocument removes a document from every index.
func (s *Service) DeleteDocument(ctx context.Context, id string) {
	if local, ok := s.fallback.(Indexer); ok {
		if err := local.DeleteDocument(ctx, id); err != nil {
			logger.Sugar.Warnw("delete document locally", "documentId", id, "error", err)
		}
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(context.Background(), id); err != nil {
			logger.Sugar.Warnw("delete document from index", "documentId", id, "error", err)
		}
	}()
}

// ReindexAll pushes every record into the local index and, when healthy, Meilisearch.
// Called at boot so an index that came up empty catches up with the store.
func (s *Service) ReindexAll(ctx context.Context, documents []DocumentRecord) {
	if local, ok := s.fallback.(Indexer); ok {
		for _, doc := range documents {
			if err := local.IndexDocument(ctx, doc); err != nil {
				logger.Sugar.Warnw("reindex document locally", "documentId", doc.ID, "error", err)
			}
		}
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexDocuments(documents); err != nil {
		logger.Sugar.Warnw("reindex documents", "count", len(documents), "error", err)
		return
	}
	logger.Sugar.Infow("reindexed documents", "count", len(documents))
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}
