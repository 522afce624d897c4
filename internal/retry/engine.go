package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lpkeeper/internal/clock"
	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// ValidationError is produced when an operation returned without error but
// its result was rejected by the caller's validator. A fatal validator error
// keeps the ValidationError fatal.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string { return "result validation failed: " + e.Reason }

func (e *ValidationError) Unwrap() error { return e.Err }

// ExhaustedError is returned when a retryable failure persisted through every
// attempt. Last is the error of the final attempt.
type ExhaustedError struct {
	Policy   string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry %s: gave up after %d attempts: %v", e.Policy, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// AttemptError wraps a non-retryable failure with the attempt it happened on.
type AttemptError struct {
	Policy  string
	Attempt int
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("retry %s: attempt %d: %v", e.Policy, e.Attempt, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Attempts extracts the number of attempts made from an error returned by Do.
func Attempts(err error) int {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts
	}
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Attempt
	}
	return 0
}

// Engine executes operations under a Policy. It holds only the clock used for
// inter-attempt delays and a logger; policies are supplied per call.
type Engine struct {
	clock  domain.Clock
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil clock selects the system clock.
func NewEngine(c domain.Clock, logger *slog.Logger) *Engine {
	if c == nil {
		c = clock.System{}
	}
	return &Engine{
		clock:  c,
		logger: logger.With(slog.String("component", "retry")),
	}
}

// Op is one attempt of a retried operation. attempt starts at 1.
type Op[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs op until it succeeds, fails with a non-retryable error, or the
// policy's attempts run out. Attempts are strictly sequential. When validate
// is non-nil a successful result it rejects counts as a failure.
//
// The returned error always carries the failure that ended the loop, wrapped
// in *ExhaustedError or *AttemptError.
func Do[T any](ctx context.Context, e *Engine, p Policy, op Op[T], validate func(T) error) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	log := e.logger.With(slog.String("policy", p.Name))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return zero, &AttemptError{Policy: p.Name, Attempt: attempt - 1, Err: fmt.Errorf("%w: %w", domain.ErrContextDone, lastErr)}
		}

		res, err := op(ctx, attempt)
		if err == nil && validate != nil {
			if verr := validate(res); verr != nil {
				err = &ValidationError{Reason: verr.Error(), Err: verr}
			}
		}
		if err == nil {
			if attempt > 1 {
				log.InfoContext(ctx, "operation succeeded after retry", slog.Int("attempt", attempt))
			}
			return res, nil
		}
		lastErr = err

		if !p.retryable(err) {
			log.WarnContext(ctx, "operation failed, not retryable",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return zero, &AttemptError{Policy: p.Name, Attempt: attempt, Err: err}
		}
		if attempt == maxAttempts {
			break
		}

		log.WarnContext(ctx, "operation failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", p.Delay),
			slog.String("error", err.Error()),
		)
		if err := e.sleep(ctx, p.Delay); err != nil {
			return zero, &AttemptError{Policy: p.Name, Attempt: attempt, Err: fmt.Errorf("%w: %w", domain.ErrContextDone, lastErr)}
		}
	}

	log.ErrorContext(ctx, "operation exhausted retries",
		slog.Int("attempts", maxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return zero, &ExhaustedError{Policy: p.Name, Attempts: maxAttempts, Last: lastErr}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}
