// Package archive stores compacted snapshots as objects in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cowrite/api/internal/store"
)

// Store keeps each checkpoint at "<document>/<version, zero padded>_<author>".
// Zero padding makes lexical key order match version order.
type Store struct {
	client *minio.Client
	bucket string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New connects to the endpoint and creates the bucket if it is missing.
func New(ctx context.Context, opts Options) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &Store{client: client, bucket: opts.Bucket}, nil
}

func (s *Store) Record(ctx context.Context, documentID string, version int64, content []byte, author string, at time.Time) (store.Checkpoint, error) {
	key := objectKey(documentID, version, author)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return store.Checkpoint{
		ID:        strconv.FormatInt(version, 10),
		Version:   version,
		Author:    author,
		Size:      len(content),
		CreatedAt: at,
	}, nil
}

// List returns up to limit checkpoints, newest version first.
func (s *Store) List(ctx context.Context, documentID string, limit int) ([]store.Checkpoint, error) {
	items := make([]store.Checkpoint, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: documentPrefix(documentID), Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", obj.Err)
		}
		version, author, ok := parseKey(documentID, obj.Key)
		if !ok {
			continue
		}
		items = append(items, store.Checkpoint{
			ID:        strconv.FormatInt(version, 10),
			Version:   version,
			Author:    author,
			Size:      int(obj.Size),
			CreatedAt: obj.LastModified,
		})
	}
	sortNewestFirst(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Content reads the checkpoint whose id is its version number.
func (s *Store) Content(ctx context.Context, documentID, checkpointID string) ([]byte, error) {
	version, err := strconv.ParseInt(checkpointID, 10, 64)
	if err != nil {
		return nil, store.ErrNotFound
	}
	prefix := fmt.Sprintf("%s%020d_", documentPrefix(documentID), version)
	var key string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("find checkpoint: %w", obj.Err)
		}
		if key == "" {
			key = obj.Key
		}
	}
	if key == "" {
		return nil, store.ErrNotFound
	}

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	defer object.Close()
	content, err := io.ReadAll(object)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	return content, nil
}

// Remove deletes every checkpoint object of the document.
func (s *Store) Remove(ctx context.Context, documentID string) error {
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: documentPrefix(documentID), Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list checkpoints: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove checkpoint %s: %w", obj.Key, err)
		}
	}
	return nil
}

func documentPrefix(documentID string) string {
	return url.PathEscape(documentID) + "/"
}

func objectKey(documentID string, version int64, author string) string {
	return fmt.Sprintf("%s%020d_%s", documentPrefix(documentID), version, url.PathEscape(author))
}

func parseKey(documentID, key string) (int64, string, bool) {
	rest, ok := strings.CutPrefix(key, documentPrefix(documentID))
	if !ok {
		return 0, "", false
	}
	rawVersion, rawAuthor, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, "", false
	}
	version, err := strconv.ParseInt(rawVersion, 10, 64)
	if err != nil {
		return 0, "", false
	}
	author, err := url.PathUnescape(rawAuthor)
	if err != nil {
		return 0, "", false
	}
	return version, author, true
}

func sortNewestFirst(items []store.Checkpoint) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Version > items[j].Version
	})
}
