package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/rag-local-api/apperr"
	"github.com/fabfab/rag-local-api/logging"
)

func fastPolicy(attempts int, timeout time.Duration) Policy {
	return Policy{
		Name:            "test",
		Timeout:         timeout,
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	value, err := DoValue(context.Background(), logging.Nop(), fastPolicy(3, time.Second), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("upstream 503: %w", apperr.ErrTransient)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	boom := errors.New("model not found")
	calls := 0
	err := Do(context.Background(), logging.Nop(), fastPolicy(5, time.Second), func(context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fastPolicy(2, time.Second), func(context.Context) error {
		calls++
		return apperr.ErrTransient
	})

	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, 2, calls)
}

func TestDoMapsAttemptTimeout(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fastPolicy(1, 20*time.Millisecond), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, nil, fastPolicy(3, time.Second), func(ctx context.Context) error {
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, apperr.ErrTimeout)
}
