package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces job keys so the store can share a Redis database with
// other services.
const keyPrefix = "pipeline_job:"

// DefaultTTL is how long a job survives without updates.
const DefaultTTL = 24 * time.Hour

// RedisStore is the production Store backed by Redis. Job expiry is native
// Redis TTL, so Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis instance described by redisURL
// (redis://host:port/db) and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("jobstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("jobstore: ping redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreWithClient wraps an existing client (tests).
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, job *Job) error {
	if job.ExpiresAt.IsZero() {
		job.ExpiresAt = time.Now().Add(s.ttl).UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job %s: %w", job.ID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+job.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("jobstore: put job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("jobstore: decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]*Job, error) {
	var jobs []*Job
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between scan and get.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("jobstore: list: %w", err)
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("jobstore: decode %s: %w", iter.Val(), err)
		}
		jobs = append(jobs, &job)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("jobstore: scan: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("jobstore: delete job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) DeleteAll(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("jobstore: delete %s: %w", iter.Val(), err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("jobstore: scan: %w", err)
	}
	return removed, nil
}

// Sweep is a no-op: Redis expires job keys natively via TTL.
func (s *RedisStore) Sweep(context.Context) (int, error) { return 0, nil }

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	jobs, err := s.List(ctx, 0)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Jobs: len(jobs), ByStatus: make(map[Status]int)}
	for _, job := range jobs {
		stats.ByStatus[job.Status]++
	}
	return stats, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
