package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "campusnotify/pkg/logx"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	rdb    *redis.Client
	prefix string
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Retry a few times so the daemon tolerates redis starting slightly later.
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		rdb := redis.NewClient(opt)
		if lastErr = rdb.Ping(ctx).Err(); lastErr == nil {
			prefix := cfg.Prefix
			if prefix == "" {
				prefix = "campusnotify:"
			}
			return &redisStore{rdb: rdb, prefix: prefix}, nil
		}
		_ = rdb.Close()
		log.Warn("redis not ready", logx.Int("attempt", attempt), logx.Err(lastErr))
		select {
		case <-ctx.Done():
			return nil, errors.Join(lastErr, ctx.Err())
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("redis not ready: %w", lastErr)
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}

func (s *redisStore) Close() error { return s.rdb.Close() }
