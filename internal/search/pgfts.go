package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"
)

// PgFTS implements Searcher over the documents table's generated tsvector column.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches titles by token prefix (to_tsquery with :*) or by plain
// substring, ranking tsquery hits first and breaking ties newest first.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]string, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return []string{}, nil
	}

	args := []any{"%" + escapeLike(text) + "%"}
	match := `d.title ILIKE $1 ESCAPE '\'`
	order := "d.created_at DESC, d.id DESC"
	if tsq := prefixTSQuery(text); tsq != "" {
		args = append(args, tsq)
		match = fmt.Sprintf("(d.fts @@ to_tsquery('simple', $%d) OR %s)", len(args), match)
		order = fmt.Sprintf("ts_rank(d.fts, to_tsquery('simple', $%d)) DESC, %s", len(args), order)
	}

	var scope string
	switch q.Scope {
	case ScopePublic:
		scope = "d.is_public"
	case ScopePrivate:
		args = append(args, q.OwnerID)
		scope = fmt.Sprintf("NOT d.is_public AND d.created_by = $%d", len(args))
	default:
		return nil, fmt.Errorf("unknown search scope %q", q.Scope)
	}

	query := fmt.Sprintf(`
		SELECT d.id
		FROM documents d
		WHERE %s AND %s
		ORDER BY %s
		LIMIT %d`, match, scope, order, q.limit())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// prefixTSQuery turns free text into "tok1:* & tok2:*", dropping anything that is
// not a letter or digit so user input can never form tsquery syntax.
func prefixTSQuery(text string) string {
	terms := make([]string, 0)
	for _, token := range tokenize(text) {
		terms = append(terms, token+":*")
	}
	return strings.Join(terms, " & ")
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
