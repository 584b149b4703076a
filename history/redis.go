package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultKey = "rag:conversation_history"

	maxAppendRetries = 64
)

// RedisStore keeps the whole log as one JSON array under a single key.
type RedisStore struct {
	client goredis.UniversalClient
	key    string
}

func NewRedisStore(client goredis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{client: client, key: key}
}

// NewRedisClient connects and pings the server.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) Load(ctx context.Context) ([]Turn, error) {
	return s.read(ctx, s.client)
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter) ([]Turn, error) {
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return turns, nil
}

// Append rewrites the array under WATCH and retries when another writer got
// there first.
func (s *RedisStore) Append(ctx context.Context, t Turn) (Turn, error) {
	var stored Turn
	txf := func(tx *goredis.Tx) error {
		turns, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		stored = clampAfter(turns, t)
		data, err := json.Marshal(append(turns, stored))
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxAppendRetries; i++ {
		err := s.client.Watch(ctx, txf, s.key)
		if err == nil {
			return stored, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return Turn{}, err
	}
	return Turn{}, fmt.Errorf("append to %s: gave up after %d conflicting writes", s.key, maxAppendRetries)
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", s.key, err)
	}
	return nil
}
