package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Redis keeps presence in a sorted set per document, scored by heartbeat time in
// unix milliseconds, plus a hash of msgpack-encoded entry data. Both keys expire
// after two TTLs without a heartbeat.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type storedEntry struct {
	Data []byte `msgpack:"d"`
	At   int64  `msgpack:"t"`
}

// NewRedis connects to redisURL and checks the connection.
func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, ttl, time.Now), nil
}

// NewRedisWithClient creates a tracker from an existing Redis client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration, now func() time.Time) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
		now:    now,
	}
}

func (r *Redis) TTL() time.Duration {
	return r.ttl
}

func (r *Redis) membersKey(documentID string) string {
	return r.prefix + documentID
}

func (r *Redis) dataKey(documentID string) string {
	return r.prefix + documentID + ":data"
}

func (r *Redis) Heartbeat(ctx context.Context, documentID, userID string, data []byte) error {
	now := r.now()
	payload, err := msgpack.Marshal(storedEntry{Data: data, At: now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode presence entry: %w", err)
	}

	members, hash := r.membersKey(documentID), r.dataKey(documentID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, members, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
		pipe.HSet(ctx, hash, userID, payload)
		pipe.Expire(ctx, members, 2*r.ttl)
		pipe.Expire(ctx, hash, 2*r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save presence heartbeat: %w", err)
	}
	return nil
}

// ListActive returns entries whose heartbeat is within the TTL of now and
// prunes the ones that are not.
func (r *Redis) ListActive(ctx context.Context, documentID string, now time.Time) ([]Entry, error) {
	members, hash := r.membersKey(documentID), r.dataKey(documentID)
	cutoff := strconv.FormatInt(now.Add(-r.ttl).UnixMilli(), 10)

	expired, err := r.client.ZRangeByScore(ctx, members, &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired presence: %w", err)
	}
	if len(expired) > 0 {
		if err := r.prune(ctx, documentID, expired); err != nil {
			return nil, err
		}
	}

	active, err := r.client.ZRangeByScoreWithScores(ctx, members, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	entries := make([]Entry, 0, len(active))
	if len(active) == 0 {
		return entries, nil
	}

	fields := make([]string, 0, len(active))
	for _, z := range active {
		fields = append(fields, z.Member.(string))
	}
	values, err := r.client.HMGet(ctx, hash, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence data: %w", err)
	}

	for i, z := range active {
		entry := Entry{
			UserID:          fields[i],
			LastHeartbeatAt: time.UnixMilli(int64(z.Score)).UTC(),
		}
		if raw, ok := values[i].(string); ok {
			var stored storedEntry
			if err := msgpack.Unmarshal([]byte(raw), &stored); err != nil {
				return nil, fmt.Errorf("decode presence entry: %w", err)
			}
			entry.Data = stored.Data
		}
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

func (r *Redis) prune(ctx context.Context, documentID string, userIDs []string) error {
	members := make([]interface{}, 0, len(userIDs))
	for _, id := range userIDs {
		members = append(members, id)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.membersKey(documentID), members...)
		pipe.HDel(ctx, r.dataKey(documentID), userIDs...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("prune presence: %w", err)
	}
	return nil
}

func (r *Redis) Leave(ctx context.Context, documentID, userID string) error {
	return r.prune(ctx, documentID, []string{userID})
}

func (r *Redis) Clear(ctx context.Context, documentID string) error {
	if err := r.client.Del(ctx, r.membersKey(documentID), r.dataKey(documentID)).Err(); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
