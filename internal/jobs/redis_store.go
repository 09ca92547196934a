package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// jobRetention is how long finished rows stay readable. It comfortably
// covers the idempotency replay window and keeps the keyspace from
// growing without bound.
const jobRetention = 7 * 24 * time.Hour

// RedisStore persists jobs in Redis. Each job lives as one JSON value;
// two sorted sets index it: all jobs by creation time (for listings)
// and pending jobs by next-eligible time (for the runner's scan).
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed job store. Keys are namespaced
// under "ledgersync:jobs".
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "ledgersync:jobs"}
}

func (s *RedisStore) jobKey(id string) string  { return s.prefix + ":job:" + id }
func (s *RedisStore) idemKey(key string) string { return s.prefix + ":idem:" + key }
func (s *RedisStore) indexKey() string          { return s.prefix + ":index" }
func (s *RedisStore) pendingKey() string        { return s.prefix + ":pending" }

func (s *RedisStore) Save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(job.ID), data, jobRetention)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: job.ID,
		})
		if job.Status == StatusPending {
			pipe.ZAdd(ctx, s.pendingKey(), redis.Z{
				Score:  float64(job.NextEligibleAt.UnixMilli()),
				Member: job.ID,
			})
		} else {
			pipe.ZRem(ctx, s.pendingKey(), job.ID)
		}
		if job.IdempotencyKey != "" {
			pipe.Set(ctx, s.idemKey(job.IdempotencyKey), job.ID, jobRetention)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	var ids []string
	var err error
	if !f.EligibleBefore.IsZero() {
		// Scan order: the pending set is already sorted by eligibility.
		ids, err = s.rdb.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(f.EligibleBefore.UnixMilli(), 10),
		}).Result()
	} else {
		// Listing order: newest created first.
		ids, err = s.rdb.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	var out []*Job
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired row still in the index; drop the stale entry.
			s.rdb.ZRem(ctx, s.indexKey(), id)
			s.rdb.ZRem(ctx, s.pendingKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !f.Matches(j) {
			continue
		}
		out = append(out, j)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	id, err := s.rdb.Get(ctx, s.idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		pipe.ZRem(ctx, s.pendingKey(), id)
		return nil
	})
	if err != nil {
		return err
	}
	if j.IdempotencyKey != "" {
		cur, err := s.rdb.Get(ctx, s.idemKey(j.IdempotencyKey)).Result()
		if err == nil && cur == id {
			s.rdb.Del(ctx, s.idemKey(j.IdempotencyKey))
		}
	}
	return nil
}

// Reserve runs the pending→running CAS under WATCH so two runners
// never both win the same job.
func (s *RedisStore) Reserve(ctx context.Context, id string, now time.Time) (*Job, error) {
	key := s.jobKey(id)
	var reserved *Job

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", id, err)
		}
		if j.Status != StatusPending {
			return ErrNotPending
		}

		started := now.UTC()
		j.Status = StatusRunning
		j.Attempts++
		j.StartedAt = &started
		updated, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, jobRetention)
			pipe.ZRem(ctx, s.pendingKey(), id)
			return nil
		})
		if err == nil {
			reserved = &j
		}
		return err
	}

	err := s.rdb.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone else modified the row mid-reserve; they won.
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

var _ Store = (*RedisStore)(nil)
