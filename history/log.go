package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/rag-local-api/logging"
	"github.com/fabfab/rag-local-api/resilience"
)

// Snapshot is a read of the log. Degraded is set when the store could not be
// reached and Turns is empty for that reason rather than because nothing was
// recorded yet.
type Snapshot struct {
	Turns    []Turn `json:"turns"`
	Degraded bool   `json:"degraded"`
}

type LogOptions struct {
	Timeout     time.Duration
	MaxAttempts int
	// DegradeOnReadFailure turns read failures into an empty degraded
	// snapshot instead of ErrUnavailable.
	DegradeOnReadFailure bool
}

// Log is the conversation history service.
type Log struct {
	store   Store
	logger  *zap.SugaredLogger
	read    resilience.Policy
	write   resilience.Policy
	degrade bool
	now     func() time.Time
}

func NewLog(store Store, logger *zap.SugaredLogger, opts LogOptions) *Log {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	read := resilience.DefaultPolicy("history read", timeout)
	if opts.MaxAttempts > 0 {
		read = read.WithAttempts(opts.MaxAttempts)
	}
	return &Log{
		store:  store,
		logger: logging.OrNop(logger),
		read:   read,
		// a retried append could store the turn twice
		write:   resilience.DefaultPolicy("history append", timeout).WithAttempts(1),
		degrade: opts.DegradeOnReadFailure,
		now:     time.Now,
	}
}

// FullHistory returns every turn in insertion order.
func (l *Log) FullHistory(ctx context.Context) (Snapshot, error) {
	turns, err := resilience.DoValue(ctx, l.logger, l.read, l.store.Load)
	if err != nil {
		return l.readFailure(err)
	}
	return Snapshot{Turns: turns}, nil
}

// LastPairs returns the final min(k, n) turns in order.
func (l *Log) LastPairs(ctx context.Context, k int) (Snapshot, error) {
	snap, err := l.FullHistory(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if k <= 0 {
		snap.Turns = []Turn{}
		return snap, nil
	}
	if n := len(snap.Turns); n > k {
		snap.Turns = snap.Turns[n-k:]
	}
	return snap, nil
}

// AddPair records a turn stamped with the current UTC time.
func (l *Log) AddPair(ctx context.Context, question, answer string) (Turn, error) {
	t := Turn{Question: question, Answer: answer, Timestamp: l.now().UTC()}
	stored, err := resilience.DoValue(ctx, l.logger, l.write, func(ctx context.Context) (Turn, error) {
		return l.store.Append(ctx, t)
	})
	if err != nil {
		return Turn{}, fmt.Errorf("%w: append turn: %w", ErrUnavailable, err)
	}
	return stored, nil
}

// Clear drops every turn.
func (l *Log) Clear(ctx context.Context) error {
	if err := resilience.Do(ctx, l.logger, l.write, l.store.Clear); err != nil {
		return fmt.Errorf("%w: clear: %w", ErrUnavailable, err)
	}
	l.logger.Infow("conversation history cleared")
	return nil
}

func (l *Log) readFailure(err error) (Snapshot, error) {
	if l.degrade {
		l.logger.Warnw("history unreachable, continuing without it", "error", err)
		return Snapshot{Turns: []Turn{}, Degraded: true}, nil
	}
	return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
}
