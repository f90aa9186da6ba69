package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "draft:"

// RedisStore keeps each snapshot as a JSON string with a TTL. Put uses
// WATCH/MULTI so that two concurrent saves of the same version cannot both
// succeed.
type RedisStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *goredis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func redisKey(k Key) string { return keyPrefix + k.String() }

func (r *RedisStore) Get(ctx context.Context, key Key) (*Snapshot, error) {
	return r.get(ctx, r.rdb, key)
}

func (r *RedisStore) get(ctx context.Context, c goredis.Cmdable, key Key) (*Snapshot, error) {
	raw, err := c.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, snap *Snapshot, expectedVersion int) error {
	k := redisKey(snap.Key)
	err := r.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		current := 0
		s, err := r.get(ctx, tx, snap.Key)
		switch {
		case err == nil:
			current = s.Version
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if current != expectedVersion {
			return fmt.Errorf("%w: expected version %d but the draft is at version %d", ErrConflict, expectedVersion, current)
		}

		next := *snap
		next.Version = expectedVersion + 1
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode draft: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, k, payload, r.ttl)
			return nil
		})
		if err == nil {
			snap.Version = next.Version
		}
		return err
	}, k)
	if errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("%w: draft was saved concurrently", ErrConflict)
	}
	return err
}

func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := r.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}
