package util

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/moltbunker/usdstake/internal/logging"
)

// RetryConfig controls retries of calls to external services (RPC nodes,
// brokers, caches).
type RetryConfig struct {
	// Attempts is the total number of tries, including the first one.
	Attempts uint
	// Delay is the initial backoff delay.
	Delay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns sensible defaults for RPC calls
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		Delay:    100 * time.Millisecond,
		MaxDelay: 2 * time.Second,
	}
}

func (c RetryConfig) options(ctx context.Context, name string) []retry.Option {
	attempts := c.Attempts
	if attempts == 0 {
		attempts = 1
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logging.Debug("retrying call",
				"call", name,
				"attempt", n+1,
				"max_attempts", attempts,
				logging.Err(err))
		}),
	}
	if c.MaxDelay > 0 {
		opts = append(opts, retry.MaxDelay(c.MaxDelay))
	}
	return opts
}

// Retry runs fn until it succeeds, returns an error wrapped with
// Permanent, the attempts are used up or ctx is done. The last error is
// returned.
func Retry(ctx context.Context, cfg RetryConfig, name string, fn func() error) error {
	return retry.Do(fn, cfg.options(ctx, name)...)
}

// RetryWithValue is Retry for calls that produce a value.
func RetryWithValue[T any](ctx context.Context, cfg RetryConfig, name string, fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn, cfg.options(ctx, name)...)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return retry.Unrecoverable(err)
}
