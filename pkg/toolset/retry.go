package toolset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrSessionClosed is the canonical "remote session is closed" failure.
// Session implementations may wrap it; the SDK's mcp.ErrConnectionClosed and
// closed-pipe errors are treated the same way.
var ErrSessionClosed = errors.New("toolset: remote session closed")

// Outcome classifies the result of an operation against a remote session.
type Outcome int

const (
	// Success means the operation returned without error.
	Success Outcome = iota
	// Retryable means the session was closed; reinitializing may help.
	Retryable
	// Fatal covers every other failure. It is never retried.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Classify maps err onto an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case IsSessionClosed(err):
		return Retryable
	default:
		return Fatal
	}
}

// IsSessionClosed reports whether err means the peer closed the session.
func IsSessionClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, mcp.ErrConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// RetryOption tunes RetryOnClosed.
type RetryOption func(*retryConfig)

type retryConfig struct {
	name   string
	logger *slog.Logger
}

// WithName labels log lines emitted by the wrapper.
func WithName(name string) RetryOption {
	return func(c *retryConfig) { c.name = name }
}

// WithLogger sets the logger used when a retry is scheduled.
func WithLogger(logger *slog.Logger) RetryOption {
	return func(c *retryConfig) { c.logger = logger }
}

// RetryOnClosed runs op and, if it fails because the remote session is
// closed, calls reinit and runs op once more. Any other failure, a failing
// reinit, or a second closed-session failure is returned to the caller.
func RetryOnClosed[T any](
	ctx context.Context,
	op func(context.Context) (T, error),
	reinit func(context.Context) error,
	opts ...RetryOption,
) (T, error) {
	cfg := retryConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if reinit == nil {
		reinit = func(context.Context) error { return nil }
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		if attempt > 1 {
			if err := reinit(ctx); err != nil {
				var zero T
				return zero, backoff.Permanent(fmt.Errorf("toolset: reinitialize session: %w", err))
			}
		}
		res, err := op(ctx)
		switch Classify(err) {
		case Success:
			return res, nil
		case Retryable:
			return res, err
		default:
			return res, backoff.Permanent(err)
		}
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(2),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			cfg.logger.Warn("remote session closed, reinitializing", "toolset", cfg.name, "error", err)
		}),
	)
	return res, unwrapPermanent(err)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
