package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"cowrite/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	snapshotFile   = "snapshot"
	versionTrailer = "Snapshot-Version: "
)

// Service keeps one git repository per document; every compacted snapshot is a
// commit on HEAD whose message carries the snapshot version.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits content as the checkpoint for version, creating the repository
// on first use.
func (s *Service) Record(_ context.Context, documentID string, version int64, content []byte, author string, at time.Time) (store.Checkpoint, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return store.Checkpoint{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("open worktree: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), content, 0o644); err != nil {
		return store.Checkpoint{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return store.Checkpoint{}, fmt.Errorf("git add snapshot: %w", err)
	}

	message := fmt.Sprintf("Checkpoint at version %d\n\n%s%d\n", version, versionTrailer, version)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.cowrite.local", sanitizeEmail(author)),
			When:  at,
		},
	})
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("commit snapshot: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCheckpoint(commitObj, len(content)), nil
}

// List returns up to limit checkpoints, newest first. A document that never
// compacted has no repository and an empty history.
func (s *Service) List(_ context.Context, documentID string, limit int) ([]store.Checkpoint, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	items := make([]store.Checkpoint, 0)
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(commitObj *object.Commit) error {
		size := 0
		if file, err := commitObj.File(snapshotFile); err == nil {
			size = int(file.Size)
		}
		items = append(items, toCheckpoint(commitObj, size))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Content returns the snapshot stored by the checkpoint with the given id.
func (s *Service) Content(_ context.Context, documentID, checkpointID string) ([]byte, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(checkpointID))
	if err != nil {
		return nil, store.ErrNotFound
	}
	commitObj, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, store.ErrNotFound
	}
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load snapshot from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// Remove deletes the document's repository. The document's mutex stays in
// locks so callers already queued on it and new callers share one lock.
func (s *Service) Remove(_ context.Context, documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, filepath.Base(documentID))
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func toCheckpoint(commitObj *object.Commit, size int) store.Checkpoint {
	return store.Checkpoint{
		ID:        commitObj.Hash.String()[:7],
		Version:   parseVersion(commitObj.Message),
		Author:    commitObj.Author.Name,
		Size:      size,
		CreatedAt: commitObj.Author.When,
	}
}

func parseVersion(message string) int64 {
	for _, line := range strings.Split(message, "\n") {
		if rest, ok := strings.CutPrefix(line, versionTrailer); ok {
			version, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err == nil {
				return version
			}
		}
	}
	return 0
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
