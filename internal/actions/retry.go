package actions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rendis/waypoint/pkg/engine"
	"github.com/rendis/waypoint/pkg/schema"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy retries a failing action in place, before the step's
// exception routes see the error.
type RetryPolicy struct {
	// Max is the number of retries after the first attempt.
	Max      int
	Delay    time.Duration
	Backoff  string
	MaxDelay time.Duration
}

// Validate checks the policy fields.
func (p RetryPolicy) Validate() error {
	if p.Max < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "retry max must not be negative, got %d", p.Max)
	}
	if p.Delay < 0 || p.MaxDelay < 0 {
		return schema.NewError(schema.ErrCodeValidation, "retry delays must not be negative")
	}
	switch p.Backoff {
	case "", BackoffConstant, BackoffLinear, BackoffExponential:
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown retry backoff %q", p.Backoff)
}

// Retryable classifies whether an error should be retried. Failures raised
// on purpose by built-in actions, validation and expression errors and
// cancellation are final; anything else is retried.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var f *Failure
	if errors.As(err, &f) {
		return false
	}
	return !schema.HasCode(err, schema.ErrCodeValidation) && !schema.HasCode(err, schema.ErrCodeExpression)
}

// DelayFor calculates the delay before retry number attempt (0-based).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	var delay time.Duration
	switch p.Backoff {
	case BackoffExponential:
		delay = p.Delay
		for i := 0; i < attempt && delay < math.MaxInt64/2; i++ {
			delay *= 2
		}
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Retry wraps action so that retryable errors are retried per policy. The
// last error is returned once attempts run out.
func Retry(action engine.Action[*Document], policy RetryPolicy) engine.Action[*Document] {
	if policy.Max == 0 {
		return action
	}
	return func(ctx context.Context, doc *Document) error {
		var err error
		for attempt := 0; ; attempt++ {
			if err = action(ctx, doc); err == nil || !Retryable(err) {
				return err
			}
			if attempt == policy.Max {
				return fmt.Errorf("after %d attempts: %w", attempt+1, err)
			}
			if werr := waitForBackoff(ctx, policy.DelayFor(attempt)); werr != nil {
				return err
			}
		}
	}
}

// waitForBackoff sleeps for delay or returns early if ctx is done.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
