// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix          = "dispatchpool:"
	seqKey             = keyPrefix + "seq"
	entriesKey         = keyPrefix + "entries"
	readyKey           = keyPrefix + "ready"
	inflightKey        = keyPrefix + "inflight"
	inflightExpiryKey  = keyPrefix + "inflight:expiry"
	inflightByIDKey    = keyPrefix + "inflight:byid"
	readyScanBatchSize = 200
)

// redisEntry is the on-wire shape stored in the entries hash: the queue
// entry itself plus the exact zset member string used to reference it, so
// Remove can ZREM without reconstructing the member encoding.
type redisEntry[T any] struct {
	Entry  Entry[T] `json:"entry"`
	Member string   `json:"member"`
}

// RedisAdapter is the external, broker-backed Adapter[T] implementation:
// a single sorted set orders ready entries across all checkpoints, an
// entries hash holds the entry bodies, and an in-flight hash plus expiry
// zset track outstanding reservations for the ReservationSweeper. Used
// when config.Queue.Driver is "redis", so multiple dispatcher processes
// can share one queue.
type RedisAdapter[T any] struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedis constructs a RedisAdapter backed by an existing client, such as
// one built by internal/redisclient.New.
func NewRedis[T any](rdb *redis.Client) *RedisAdapter[T] {
	return &RedisAdapter[T]{rdb: rdb, now: time.Now}
}

// SetClock overrides the adapter's time source, for deterministic tests.
func (r *RedisAdapter[T]) SetClock(now func() time.Time) {
	r.now = now
}

// computeScore maps (priority, availableAt) onto a float64 such that
// ascending zset order yields (priority desc, availableAt asc).
func computeScore(priority int, availableAt time.Time) float64 {
	return float64(-priority)*1e13 + float64(availableAt.UnixMilli())
}

func memberFor(sequenceNumber int64, id string) string {
	return fmt.Sprintf("%020d:%s", sequenceNumber, id)
}

func idFromMember(member string) string {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return member
	}
	return parts[1]
}

func (r *RedisAdapter[T]) Enqueue(ctx context.Context, checkpoint string, priority int, availableAt time.Time, payload T) (string, error) {
	seq, err := r.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("queue: alloc sequence: %w", err)
	}
	id := uuid.NewString()
	entry := Entry[T]{
		ID:             id,
		Checkpoint:     checkpoint,
		Priority:       priority,
		AvailableAt:    availableAt,
		SequenceNumber: seq,
		Payload:        payload,
	}
	if err := r.storeReady(ctx, entry); err != nil {
		return "", err
	}
	return id, nil
}

func (r *RedisAdapter[T]) storeReady(ctx context.Context, entry Entry[T]) error {
	member := memberFor(entry.SequenceNumber, entry.ID)
	raw, err := json.Marshal(redisEntry[T]{Entry: entry, Member: member})
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, entriesKey, entry.ID, raw)
	pipe.ZAdd(ctx, readyKey, redis.Z{Score: computeScore(entry.Priority, entry.AvailableAt), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: store ready entry: %w", err)
	}
	return nil
}

func (r *RedisAdapter[T]) Reserve(ctx context.Context, checkpoints []string, visibilityTimeout time.Duration) (*Reservation[T], error) {
	allowed := make(map[string]bool, len(checkpoints)+1)
	for _, c := range checkpoints {
		allowed[c] = true
	}
	if len(allowed) > 0 {
		allowed[defaultCheckpoint] = true
	}
	now := r.now()

	members, err := r.rdb.ZRangeWithScores(ctx, readyKey, 0, readyScanBatchSize-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan ready set: %w", err)
	}

	for _, z := range members {
		member, _ := z.Member.(string)
		id := idFromMember(member)

		raw, err := r.rdb.HGet(ctx, entriesKey, id).Result()
		if err == redis.Nil {
			// Stale member left behind by a crashed Reserve; clean up.
			r.rdb.ZRem(ctx, readyKey, member)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue: load entry: %w", err)
		}
		var re redisEntry[T]
		if err := json.Unmarshal([]byte(raw), &re); err != nil {
			return nil, fmt.Errorf("queue: unmarshal entry: %w", err)
		}
		if len(allowed) > 0 && !allowed[re.Entry.Checkpoint] {
			continue
		}
		if re.Entry.AvailableAt.After(now) {
			continue
		}

		removed, err := r.rdb.ZRem(ctx, readyKey, member).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: claim entry: %w", err)
		}
		if removed == 0 {
			// Another reserver won the race; keep scanning.
			continue
		}
		r.rdb.HDel(ctx, entriesKey, id)

		token := uuid.NewString()
		expiresAt := now.Add(visibilityTimeout)
		inflightRaw, err := json.Marshal(re.Entry)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal reservation: %w", err)
		}
		pipe := r.rdb.TxPipeline()
		pipe.HSet(ctx, inflightKey, token, inflightRaw)
		pipe.HSet(ctx, inflightByIDKey, id, token)
		pipe.ZAdd(ctx, inflightExpiryKey, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: token})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("queue: record reservation: %w", err)
		}

		return &Reservation[T]{Entry: re.Entry, ReservationToken: token, ExpiresAt: expiresAt}, nil
	}

	return nil, ErrEmpty
}

func (r *RedisAdapter[T]) loadInflight(ctx context.Context, token string) (Entry[T], error) {
	raw, err := r.rdb.HGet(ctx, inflightKey, token).Result()
	if err == redis.Nil {
		return Entry[T]{}, ErrReservationExpired
	}
	if err != nil {
		return Entry[T]{}, fmt.Errorf("queue: load reservation: %w", err)
	}
	var entry Entry[T]
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Entry[T]{}, fmt.Errorf("queue: unmarshal reservation: %w", err)
	}
	return entry, nil
}

func (r *RedisAdapter[T]) clearInflight(ctx context.Context, token string, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, inflightKey, token)
	pipe.HDel(ctx, inflightByIDKey, id)
	pipe.ZRem(ctx, inflightExpiryKey, token)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisAdapter[T]) Commit(ctx context.Context, token string) error {
	entry, err := r.loadInflight(ctx, token)
	if err != nil {
		return err
	}
	return r.clearInflight(ctx, token, entry.ID)
}

func (r *RedisAdapter[T]) Discard(ctx context.Context, token string) error {
	entry, err := r.loadInflight(ctx, token)
	if err != nil {
		return err
	}
	return r.clearInflight(ctx, token, entry.ID)
}

func (r *RedisAdapter[T]) Retry(ctx context.Context, token string, delay time.Duration) error {
	entry, err := r.loadInflight(ctx, token)
	if err != nil {
		return err
	}
	if err := r.clearInflight(ctx, token, entry.ID); err != nil {
		return err
	}
	entry.AvailableAt = r.now().Add(delay)
	return r.storeReady(ctx, entry)
}

func (r *RedisAdapter[T]) Remove(ctx context.Context, id string) error {
	raw, err := r.rdb.HGet(ctx, entriesKey, id).Result()
	if err == nil {
		var re redisEntry[T]
		if err := json.Unmarshal([]byte(raw), &re); err != nil {
			return fmt.Errorf("queue: unmarshal entry: %w", err)
		}
		pipe := r.rdb.TxPipeline()
		pipe.HDel(ctx, entriesKey, id)
		pipe.ZRem(ctx, readyKey, re.Member)
		_, err := pipe.Exec(ctx)
		return err
	}
	if err != redis.Nil {
		return fmt.Errorf("queue: load entry: %w", err)
	}

	token, err := r.rdb.HGet(ctx, inflightByIDKey, id).Result()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("queue: load inflight index: %w", err)
	}
	return r.clearInflight(ctx, token, id)
}

func (r *RedisAdapter[T]) Stats(ctx context.Context) (Stats, error) {
	entries, err := r.rdb.HGetAll(ctx, entriesKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: load entries: %w", err)
	}
	stats := Stats{Checkpoints: make(map[string]int)}
	for _, raw := range entries {
		var re redisEntry[T]
		if err := json.Unmarshal([]byte(raw), &re); err != nil {
			continue
		}
		stats.Checkpoints[re.Entry.Checkpoint]++
	}
	inFlight, err := r.rdb.HLen(ctx, inflightKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: count inflight: %w", err)
	}
	stats.InFlight = int(inFlight)
	return stats, nil
}

// SweepExpired requeues any reservation past its visibility deadline.
func (r *RedisAdapter[T]) SweepExpired(ctx context.Context) (int, error) {
	now := r.now()
	tokens, err := r.rdb.ZRangeByScore(ctx, inflightExpiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan expired reservations: %w", err)
	}
	n := 0
	for _, token := range tokens {
		entry, err := r.loadInflight(ctx, token)
		if err == ErrReservationExpired {
			continue
		}
		if err != nil {
			return n, err
		}
		if err := r.clearInflight(ctx, token, entry.ID); err != nil {
			return n, err
		}
		if err := r.storeReady(ctx, entry); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
