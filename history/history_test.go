package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/rag-local-api/logging"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
}

func TestLogOrderingAndLastPairs(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewLog(store, logging.Nop(), LogOptions{Timeout: time.Second, MaxAttempts: 1})

			snap, err := log.FullHistory(ctx)
			require.NoError(t, err)
			assert.Empty(t, snap.Turns)
			assert.False(t, snap.Degraded)

			for i := 1; i <= 3; i++ {
				_, err := log.AddPair(ctx, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
				require.NoError(t, err)
			}

			snap, err = log.FullHistory(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Turns, 3)
			assert.Equal(t, "q1", snap.Turns[0].Question)
			assert.Equal(t, "a3", snap.Turns[2].Answer)
			assert.Equal(t, time.UTC, snap.Turns[0].Timestamp.Location())

			last, err := log.LastPairs(ctx, 2)
			require.NoError(t, err)
			require.Len(t, last.Turns, 2)
			assert.Equal(t, "q2", last.Turns[0].Question)
			assert.Equal(t, "q3", last.Turns[1].Question)

			all, err := log.LastPairs(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, all.Turns, 3)

			none, err := log.LastPairs(ctx, 0)
			require.NoError(t, err)
			assert.Empty(t, none.Turns)

			require.NoError(t, log.Clear(ctx))
			snap, err = log.FullHistory(ctx)
			require.NoError(t, err)
			assert.Empty(t, snap.Turns)
		})
	}
}

func TestLogKeepsEmptyAnswers(t *testing.T) {
	log := NewLog(NewMemoryStore(), nil, LogOptions{})
	_, err := log.AddPair(context.Background(), "anything?", "")
	require.NoError(t, err)

	snap, err := log.FullHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "", snap.Turns[0].Answer)
}

func TestTimestampsNeverDecrease(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := NewLog(store, nil, LogOptions{Timeout: time.Second})
			clock := []time.Time{
				time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
				time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
			}
			log.now = func() time.Time {
				next := clock[0]
				clock = clock[1:]
				return next
			}

			_, err := log.AddPair(ctx, "first", "a")
			require.NoError(t, err)
			second, err := log.AddPair(ctx, "second", "b")
			require.NoError(t, err)

			assert.True(t, second.Timestamp.Equal(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))
		})
	}
}

func TestRedisConcurrentAppendsLoseNothing(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, Turn{Question: fmt.Sprintf("q%d", i), Timestamp: time.Now().UTC()})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, turns, 10)
	for i := 1; i < len(turns); i++ {
		assert.False(t, turns[i].Timestamp.Before(turns[i-1].Timestamp))
	}
}

func TestRedisStoreUsesSingleKey(t *testing.T) {
	store, mr := newRedisStore(t)
	_, err := store.Append(context.Background(), Turn{Question: "q", Answer: "a", Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	raw, err := mr.Get(DefaultKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"question":"q"`)
	assert.Equal(t, []string{DefaultKey}, mr.Keys())
}

func TestReadFailureStrictAndDegraded(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStore(client, "")
	ctx := context.Background()

	strict := NewLog(store, nil, LogOptions{Timeout: time.Second, MaxAttempts: 1})
	_, err := strict.LastPairs(ctx, 2)
	assert.ErrorIs(t, err, ErrUnavailable)

	degraded := NewLog(store, nil, LogOptions{Timeout: time.Second, MaxAttempts: 1, DegradeOnReadFailure: true})
	snap, err := degraded.LastPairs(ctx, 2)
	require.NoError(t, err)
	assert.True(t, snap.Degraded)
	assert.Empty(t, snap.Turns)

	_, err = degraded.AddPair(ctx, "q", "a")
	assert.ErrorIs(t, err, ErrUnavailable)
}
