package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// ErrRetriesExhausted wraps the last error once the retry budget is spent.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`

	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, err error) `yaml:"-"`
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:  5,
	InitialDelay: 1 * time.Second,
	MaxDelay:     60 * time.Second,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFatal
)

func (a ErrorAction) String() string {
	if a == ActionFatal {
		return "fatal"
	}
	return "retry"
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry
	}

	if errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrConfig) ||
		errors.Is(err, domain.ErrPersistence) ||
		errors.Is(err, domain.ErrReconciliationExhausted) {
		return ActionFatal
	}

	// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
	s := err.Error()
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ActionFatal
	}

	// Network, 5xx, rate limits, timeouts and not-yet-produced heights.
	return ActionRetry
}

// Retry runs fn with bounded exponential backoff. Fatal errors stop
// immediately; transient errors are retried until MaxAttempts.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}

	backoff := retry.NewExponential(cfg.InitialDelay)
	backoff = retry.WithCappedDuration(cfg.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(cfg.MaxAttempts-1), backoff)

	attempt := 0
	var fatal bool
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ClassifyError(err) == ActionFatal {
			fatal = true
			return err
		}
		if attempt < cfg.MaxAttempts && cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		return retry.RetryableError(err)
	})
	if err == nil || fatal {
		return err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, op, attempt, err)
}
