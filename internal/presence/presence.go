// Package presence tracks which users currently have a document open.
// Entries are ephemeral: an entry whose last heartbeat is older than the TTL is
// treated as absent, and losing every entry on restart is acceptable.
package presence

import (
	"context"
	"sort"
	"time"
)

// DefaultTTL fits clients that heartbeat every 10 to 15 seconds.
const DefaultTTL = 45 * time.Second

type Entry struct {
	UserID          string
	LastHeartbeatAt time.Time
	Data            []byte
}

// Tracker is implemented by the in-memory and Redis backends.
type Tracker interface {
	Heartbeat(ctx context.Context, documentID, userID string, data []byte) error
	ListActive(ctx context.Context, documentID string, now time.Time) ([]Entry, error)
	Leave(ctx context.Context, documentID, userID string) error
	Clear(ctx context.Context, documentID string) error
	TTL() time.Duration
}

// Active reports whether an entry last seen at last is still present at now.
// The boundary is inclusive: exactly TTL old is still active.
func Active(last, now time.Time, ttl time.Duration) bool {
	return now.Sub(last) <= ttl
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
