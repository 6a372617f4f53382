package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/server/models"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "attempts:"

// RedisStore keeps one JSON-encoded AttemptRecord per key with a TTL.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.AttemptRecord, error) {
	raw, err := s.rdb.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, common.Transient("attempts.get", err)
	}

	rec := &models.AttemptRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decoding attempt record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, rec *models.AttemptRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding attempt record: %w", err)
	}
	if err := s.rdb.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return common.Transient("attempts.put", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return common.Transient("attempts.delete", err)
	}
	return nil
}

// Keys lists every stored key (without the internal prefix) using SCAN.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, common.Transient("attempts.keys", err)
	}
	return keys, nil
}
