package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

const (
	redisKeyPrefix = "bridgerunner:transfer:"
	redisIndexKey  = "bridgerunner:transfers"
)

// RedisStore keeps each transfer in a hash and every id in an index set
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to redisURL
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, t *models.Transfer) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transfer: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKeyPrefix+t.ID, map[string]interface{}{
			"state":      string(t.State()),
			"document":   doc,
			"updated_at": t.UpdatedAt.UnixMilli(),
		})
		pipe.SAdd(ctx, redisIndexKey, t.ID)
		return nil
	})
	return err
}

func (s *RedisStore) Load(ctx context.Context, id string) (*models.Transfer, error) {
	doc, err := s.client.HGet(ctx, redisKeyPrefix+id, "document").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeTransfer(doc)
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]*models.Transfer, error) {
	ids, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.Load(ctx, id)
		if errors.Is(err, ErrTransferNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
