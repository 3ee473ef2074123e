package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const ttl = 45 * time.Second

type backend struct {
	name    string
	tracker Tracker
	clock   *fakeClock
	mr      *miniredis.Miniredis
}

func backends(t *testing.T) []backend {
	t.Helper()
	memClock := &fakeClock{now: t0}
	redisClock := &fakeClock{now: t0}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []backend{
		{name: "memory", tracker: NewMemoryWithClock(ttl, memClock.Now), clock: memClock},
		{name: "redis", tracker: NewRedisWithClient(client, ttl, redisClock.Now), clock: redisClock, mr: mr},
	}
}

func userIDs(entries []Entry) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.UserID)
	}
	return ids
}

func TestPresenceExpiresAfterTTL(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			if err := b.tracker.Heartbeat(ctx, "doc-1", "alice", []byte(`{"cursor":3}`)); err != nil {
				t.Fatalf("Heartbeat() error = %v", err)
			}

			cases := []struct {
				at     time.Time
				active bool
			}{
				{at: t0, active: true},
				{at: t0.Add(ttl - time.Second), active: true},
				{at: t0.Add(ttl), active: true},
				{at: t0.Add(ttl + time.Second), active: false},
			}
			for _, tc := range cases {
				entries, err := b.tracker.ListActive(ctx, "doc-1", tc.at)
				if err != nil {
					t.Fatalf("ListActive(%s) error = %v", tc.at, err)
				}
				if got := len(entries) == 1; got != tc.active {
					t.Fatalf("ListActive(t0+%s) active = %v, want %v", tc.at.Sub(t0), got, tc.active)
				}
				if tc.active {
					if string(entries[0].Data) != `{"cursor":3}` {
						t.Fatalf("Data = %s", entries[0].Data)
					}
					if !entries[0].LastHeartbeatAt.Equal(t0) {
						t.Fatalf("LastHeartbeatAt = %s, want %s", entries[0].LastHeartbeatAt, t0)
					}
				}
			}
		})
	}
}

func TestPresenceHeartbeatRefreshesAndListsSorted(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			_ = b.tracker.Heartbeat(ctx, "doc-1", "carol", nil)
			_ = b.tracker.Heartbeat(ctx, "doc-1", "alice", nil)
			_ = b.tracker.Heartbeat(ctx, "doc-2", "bob", nil)

			b.clock.Set(t0.Add(30 * time.Second))
			if err := b.tracker.Heartbeat(ctx, "doc-1", "alice", []byte("v2")); err != nil {
				t.Fatalf("Heartbeat() error = %v", err)
			}

			entries, _ := b.tracker.ListActive(ctx, "doc-1", t0.Add(30*time.Second))
			got := userIDs(entries)
			if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
				t.Fatalf("active users = %v, want [alice carol]", got)
			}

			entries, _ = b.tracker.ListActive(ctx, "doc-1", t0.Add(60*time.Second))
			got = userIDs(entries)
			if len(got) != 1 || got[0] != "alice" || string(entries[0].Data) != "v2" {
				t.Fatalf("after carol expired: %+v", entries)
			}

			others, _ := b.tracker.ListActive(ctx, "doc-2", t0)
			if len(others) != 1 || others[0].UserID != "bob" {
				t.Fatalf("doc-2 entries = %+v", others)
			}
		})
	}
}

func TestPresenceLeaveAndClear(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			_ = b.tracker.Heartbeat(ctx, "doc-1", "alice", nil)
			_ = b.tracker.Heartbeat(ctx, "doc-1", "bob", nil)

			if err := b.tracker.Leave(ctx, "doc-1", "alice"); err != nil {
				t.Fatalf("Leave() error = %v", err)
			}
			entries, _ := b.tracker.ListActive(ctx, "doc-1", t0)
			if got := userIDs(entries); len(got) != 1 || got[0] != "bob" {
				t.Fatalf("after leave: %v", got)
			}
			if err := b.tracker.Leave(ctx, "doc-1", "nobody"); err != nil {
				t.Fatalf("Leave(unknown) error = %v", err)
			}

			if err := b.tracker.Clear(ctx, "doc-1"); err != nil {
				t.Fatalf("Clear() error = %v", err)
			}
			entries, _ = b.tracker.ListActive(ctx, "doc-1", t0)
			if len(entries) != 0 {
				t.Fatalf("after clear: %+v", entries)
			}
		})
	}
}

func TestRedisPresenceKeysExpireAfterInactivity(t *testing.T) {
	b := backends(t)[1]
	ctx := context.Background()
	if err := b.tracker.Heartbeat(ctx, "doc-1", "alice", []byte("x")); err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !b.mr.Exists("presence:doc-1") || !b.mr.Exists("presence:doc-1:data") {
		t.Fatal("expected presence keys to exist")
	}
	if got := b.mr.TTL("presence:doc-1"); got != 2*ttl {
		t.Fatalf("key ttl = %s, want %s", got, 2*ttl)
	}

	b.mr.FastForward(2*ttl + time.Second)
	if b.mr.Exists("presence:doc-1") || b.mr.Exists("presence:doc-1:data") {
		t.Fatal("expected presence keys to expire")
	}
	entries, err := b.tracker.ListActive(ctx, "doc-1", t0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("ListActive() after expiry = %+v, %v", entries, err)
	}
}

func TestRedisPresencePrunesExpiredMembers(t *testing.T) {
	b := backends(t)[1]
	ctx := context.Background()
	_ = b.tracker.Heartbeat(ctx, "doc-1", "alice", nil)

	if _, err := b.tracker.ListActive(ctx, "doc-1", t0.Add(ttl+time.Second)); err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	members, err := b.mr.ZMembers("presence:doc-1")
	if err == nil && len(members) != 0 {
		t.Fatalf("expected expired member to be pruned, got %v", members)
	}
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := NewRedis("not-a-url", ttl); err == nil {
		t.Fatal("expected error for invalid redis url")
	}
}

func TestActiveBoundary(t *testing.T) {
	if !Active(t0, t0.Add(ttl), ttl) {
		t.Fatal("exactly TTL old should be active")
	}
	if Active(t0, t0.Add(ttl+time.Millisecond), ttl) {
		t.Fatal("older than TTL should be inactive")
	}
}
