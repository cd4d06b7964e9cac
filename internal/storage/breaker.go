package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrStorageUnavailable is returned while the breaker is open and writes are
// refused without contacting the store.
var ErrStorageUnavailable = errors.New("object storage unavailable")

// BreakerConfig controls when a BreakerStore stops sending writes.
type BreakerConfig struct {
	Name string
	// Failures is the number of consecutive failed writes that opens the
	// breaker.
	Failures uint32
	// OpenTimeout is how long the breaker stays open before one trial write
	// is let through.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

// BreakerStore guards Put and Delete on another ObjectStore with a circuit
// breaker so a dead backend fails a publish quickly instead of holding a
// worker for every upload timeout. ReadURL is passed through.
type BreakerStore struct {
	next ObjectStore
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps next.
func NewBreakerStore(next ObjectStore, cfg BreakerConfig) *BreakerStore {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "object-storage"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	failures := cfg.Failures
	return &BreakerStore{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			// A missing key or a caller giving up says nothing about the
			// health of the store. A timeout inside the store while the
			// caller is still waiting does.
			IsSuccessful: func(err error) bool {
				var gone *callerGoneError
				return err == nil ||
					errors.Is(err, ErrObjectNotFound) ||
					errors.As(err, &gone)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("storage breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// State reports the breaker state as closed, half-open, or open.
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

func (b *BreakerStore) ReadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return b.next.ReadURL(ctx, key, contentType, ttl)
}

func (b *BreakerStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (Object, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		obj, err := b.next.Put(ctx, key, body, size, contentType)
		return obj, markCallerGone(ctx, err)
	})
	if err != nil {
		return Object{}, b.translate(err)
	}
	return result.(Object), nil
}

func (b *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, markCallerGone(ctx, b.next.Delete(ctx, key))
	})
	return b.translate(err)
}

// Ping fails while the breaker is open so readiness reflects it.
func (b *BreakerStore) Ping(context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return ErrStorageUnavailable
	}
	return nil
}

func (b *BreakerStore) translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	var gone *callerGoneError
	if errors.As(err, &gone) {
		return gone.err
	}
	return err
}

// callerGoneError marks a store error returned after the caller's own context
// ended, so the breaker does not count it.
type callerGoneError struct {
	err error
}

func (e *callerGoneError) Error() string { return e.err.Error() }
func (e *callerGoneError) Unwrap() error { return e.err }

func markCallerGone(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return &callerGoneError{err: err}
	}
	return err
}
