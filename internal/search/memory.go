package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is an in-process title index used with the memory store and as
// the fallback when Meilisearch is not configured.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]DocumentRecord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]DocumentRecord)}
}

func (m *MemoryIndex) Healthy() bool {
	return true
}

func (m *MemoryIndex) IndexDocument(_ context.Context, doc DocumentRecord) error {
	m.mu.Lock()
	m.docs[doc.ID] = doc
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.docs, id)
	m.mu.Unlock()
	return nil
}

type scoredRecord struct {
	record DocumentRecord
	score  int
}

// Search scores each in-scope title against the query: exact title 4, title
// prefix 3, every query token a prefix of some title word 2, raw substring 1.
// Ties go to the newer document, then the larger id.
func (m *MemoryIndex) Search(_ context.Context, q Query) ([]string, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return []string{}, nil
	}
	tokens := tokenize(text)

	m.mu.RLock()
	hits := make([]scoredRecord, 0)
	for _, doc := range m.docs {
		if !doc.inScope(q) {
			continue
		}
		if score := scoreTitle(strings.ToLower(doc.Title), text, tokens); score > 0 {
			hits = append(hits, scoredRecord{record: doc, score: score})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.record.CreatedAt != b.record.CreatedAt {
			return a.record.CreatedAt > b.record.CreatedAt
		}
		return a.record.ID > b.record.ID
	})

	limit := q.limit()
	ids := make([]string, 0, min(limit, len(hits)))
	for _, hit := range hits {
		if len(ids) == limit {
			break
		}
		ids = append(ids, hit.record.ID)
	}
	return ids, nil
}

func scoreTitle(title, text string, tokens []string) int {
	switch {
	case title == text:
		return 4
	case strings.HasPrefix(title, text):
		return 3
	case len(tokens) > 0 && allTokensPrefixWords(tokenize(title), tokens):
		return 2
	case strings.Contains(title, text):
		return 1
	default:
		return 0
	}
}

func allTokensPrefixWords(words, tokens []string) bool {
	for _, token := range tokens {
		found := false
		for _, word := range words {
			if strings.HasPrefix(word, token) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
