package exho

import (
	"context"
	"errors"
	"fmt"
	"github.com/redis/go-redis/v9"
)

const redisScanCount = 100

// newRedisClient connects to the given redis URL and verifies the
// connection with a PING.
func newRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return client, nil
}

// redisStore is a KVStore keeping each history under prefix+key,
// without expiry.
type redisStore struct {
	rc     redis.UniversalClient
	prefix string
}

func newRedisStore(rc redis.UniversalClient, prefix string) *redisStore {
	return &redisStore{rc: rc, prefix: prefix}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rc.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.rc.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *redisStore) Count(ctx context.Context) (int, error) {
	n := 0
	iter := s.rc.Scan(ctx, 0, s.prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return n, nil
}
