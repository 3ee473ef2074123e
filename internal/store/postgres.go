package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const documentColumns = `id, title, is_public, created_by, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var item Document
	err := row.Scan(&item.ID, &item.Title, &item.IsPublic, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, is_public, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.Title, item.IsPublic, item.CreatedBy, item.CreatedAt, item.UpdatedAt)
	return storageError("insert document", err)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	item, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, storageError("get document", err)
	}
	return item, nil
}

// GetDocuments loads the given ids and returns them in the order requested,
// silently skipping ids that no longer exist.
func (s *PostgresStore) GetDocuments(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return []Document{}, nil
	}
	items, err := s.queryDocuments(ctx, "get documents", `SELECT `+documentColumns+` FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return orderByIDs(items, ids), nil
}

func (s *PostgresStore) ListDocumentsByCreator(ctx context.Context, userID string) ([]Document, error) {
	return s.queryDocuments(ctx, "list documents by creator", `
		SELECT `+documentColumns+`
		FROM documents
		WHERE created_by = $1
		ORDER BY created_at DESC, id DESC
	`, userID)
}

func (s *PostgresStore) ListPublicDocuments(ctx context.Context) ([]Document, error) {
	return s.queryDocuments(ctx, "list public documents", `
		SELECT `+documentColumns+`
		FROM documents
		WHERE is_public
		ORDER BY created_at DESC, id DESC
	`)
}

func (s *PostgresStore) ListAllDocuments(ctx context.Context) ([]Document, error) {
	return s.queryDocuments(ctx, "list all documents", `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id DESC`)
}

func (s *PostgresStore) queryDocuments(ctx context.Context, op, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocumentTitle(ctx context.Context, documentID, title string, now time.Time) (Document, error) {
	return s.updateDocument(ctx, "update document title", `
		UPDATE documents SET title=$2, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1
		RETURNING `+documentColumns, documentID, title, now)
}

func (s *PostgresStore) UpdateDocumentVisibility(ctx context.Context, documentID string, isPublic bool, now time.Time) (Document, error) {
	return s.updateDocument(ctx, "update document visibility", `
		UPDATE documents SET is_public=$2, updated_at=GREATEST(updated_at, $3)
		WHERE id=$1
		RETURNING `+documentColumns, documentID, isPublic, now)
}

func (s *PostgresStore) updateDocument(ctx context.Context, op, query string, args ...any) (Document, error) {
	item, err := scanDocument(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, storageError(op, err)
	}
	return item, nil
}

// DeleteDocument removes the document together with its sync state and steps.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin delete document", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_steps WHERE document_id=$1`, documentID); err != nil {
		return storageError("delete sync steps", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_states WHERE document_id=$1`, documentID); err != nil {
		return storageError("delete sync state", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return storageError("delete document", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageError("delete document", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit delete document", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncState(ctx context.Context, documentID string) (SyncState, error) {
	var state SyncState
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, version, snapshot_version, snapshot, created_at, updated_at
		FROM sync_states
		WHERE document_id=$1
	`, documentID).Scan(&state.DocumentID, &state.Version, &state.SnapshotVersion, &state.Snapshot, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, ErrUninitialized
	}
	if err != nil {
		return SyncState{}, storageError("get sync state", err)
	}
	return state, nil
}

// InitSyncState creates the version 0 snapshot and bumps the document's
// updated_at in the same transaction.
func (s *PostgresStore) InitSyncState(ctx context.Context, documentID string, content []byte, now time.Time) (SyncState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncState{}, storageError("begin init sync state", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, ErrNotFound
	}
	if err != nil {
		return SyncState{}, storageError("lock document", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sync_states (document_id, version, snapshot_version, snapshot, created_at, updated_at)
		VALUES ($1, 0, 0, $2, $3, $3)
		ON CONFLICT (document_id) DO NOTHING
	`, documentID, content, now)
	if err != nil {
		return SyncState{}, storageError("insert sync state", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return SyncState{}, storageError("insert sync state", err)
	}
	if affected == 0 {
		return SyncState{}, ErrAlreadyInitialized
	}

	if err := touchDocument(ctx, tx, documentID, now); err != nil {
		return SyncState{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncState{}, storageError("commit init sync state", err)
	}
	return SyncState{
		DocumentID: documentID,
		Snapshot:   content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// AppendSteps appends a batch authored against baseVersion. The sync_states row is
// locked for the whole check-and-append, so concurrent submitters serialize per document.
func (s *PostgresStore) AppendSteps(ctx context.Context, documentID string, baseVersion int64, clientID string, steps [][]byte, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageError("begin append steps", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM sync_states WHERE document_id=$1 FOR UPDATE`, documentID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUninitialized
	}
	if err != nil {
		return 0, storageError("lock sync state", err)
	}
	if current != baseVersion {
		return 0, ErrVersionConflict
	}

	version := current
	for _, step := range steps {
		version++
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_steps (document_id, version, base_version, client_id, step, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, documentID, version, baseVersion, clientID, step, now); err != nil {
			return 0, storageError("insert sync step", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sync_states SET version=$2, updated_at=$3 WHERE document_id=$1`, documentID, version, now); err != nil {
		return 0, storageError("advance sync version", err)
	}
	if err := touchDocument(ctx, tx, documentID, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageError("commit append steps", err)
	}
	return version, nil
}

func (s *PostgresStore) StepsSince(ctx context.Context, documentID string, version int64) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, base_version, client_id, step, created_at
		FROM sync_steps
		WHERE document_id=$1 AND version > $2
		ORDER BY version ASC
	`, documentID, version)
	if err != nil {
		return nil, storageError("list sync steps", err)
	}
	defer rows.Close()

	steps := make([]Step, 0)
	for rows.Next() {
		var step Step
		if err := rows.Scan(&step.Version, &step.BaseVersion, &step.ClientID, &step.Data, &step.CreatedAt); err != nil {
			return nil, storageError("scan sync step", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate sync steps", err)
	}
	return steps, nil
}

// CompactSnapshot replaces the snapshot with content at version and drops the steps it
// folds in. It reports false, writing nothing, when version is not newer than the current
// snapshot or is ahead of the accepted steps.
func (s *PostgresStore) CompactSnapshot(ctx context.Context, documentID string, version int64, content []byte, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageError("begin compact snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current, snapshotVersion int64
	err = tx.QueryRowContext(ctx, `
		SELECT version, snapshot_version FROM sync_states WHERE document_id=$1 FOR UPDATE
	`, documentID).Scan(&current, &snapshotVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrUninitialized
	}
	if err != nil {
		return false, storageError("lock sync state", err)
	}
	if version <= snapshotVersion || version > current {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_states SET snapshot=$2, snapshot_version=$3, updated_at=$4 WHERE document_id=$1
	`, documentID, content, version, now); err != nil {
		return false, storageError("update snapshot", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_steps WHERE document_id=$1 AND version <= $2`, documentID, version); err != nil {
		return false, storageError("prune sync steps", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageError("commit compact snapshot", err)
	}
	return true, nil
}

func touchDocument(ctx context.Context, tx *sql.Tx, documentID string, now time.Time) error {
	result, err := tx.ExecContext(ctx, `UPDATE documents SET updated_at=GREATEST(updated_at, $2) WHERE id=$1`, documentID, now)
	if err != nil {
		return storageError("touch document", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageError("touch document", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func orderByIDs(items []Document, ids []string) []Document {
	byID := make(map[string]Document, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	ordered := make([]Document, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			ordered = append(ordered, item)
		}
	}
	return ordered
}
