package actions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/waypoint/pkg/schema"
)

func TestRetryPolicy_DelayFor(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"constant", RetryPolicy{Delay: time.Second, Backoff: BackoffConstant}, 3, time.Second},
		{"default is constant", RetryPolicy{Delay: time.Second}, 2, time.Second},
		{"linear", RetryPolicy{Delay: time.Second, Backoff: BackoffLinear}, 2, 3 * time.Second},
		{"exponential", RetryPolicy{Delay: time.Second, Backoff: BackoffExponential}, 3, 8 * time.Second},
		{"capped", RetryPolicy{Delay: time.Second, Backoff: BackoffExponential, MaxDelay: 5 * time.Second}, 4, 5 * time.Second},
		{"overflow capped", RetryPolicy{Delay: time.Hour, Backoff: BackoffExponential, MaxDelay: time.Minute}, 200, time.Minute},
		{"no delay", RetryPolicy{Backoff: BackoffLinear}, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.DelayFor(tt.attempt))
		})
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, RetryPolicy{Max: 3, Delay: time.Second, Backoff: BackoffLinear}.Validate())
	require.Error(t, RetryPolicy{Max: -1}.Validate())
	require.Error(t, RetryPolicy{Delay: -time.Second}.Validate())
	require.Error(t, RetryPolicy{Backoff: "fibonacci"}.Validate())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("connection reset by peer")))
	assert.True(t, Retryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(Fail("out_of_stock", "none left")))
	assert.False(t, Retryable(schema.NewError(schema.ErrCodeValidation, "bad input")))
	assert.False(t, Retryable(schema.NewError(schema.ErrCodeExpression, "bad expression")))
}

func flaky(failures int, err error) (func(context.Context, *Document) error, *int) {
	calls := 0
	return func(context.Context, *Document) error {
		calls++
		if calls <= failures {
			return err
		}
		return nil
	}, &calls
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	transient := errors.New("service unavailable")

	t.Run("recovers", func(t *testing.T) {
		action, calls := flaky(2, transient)
		err := Retry(action, RetryPolicy{Max: 3, Delay: time.Millisecond})(ctx, NewDocument(nil))
		require.NoError(t, err)
		assert.Equal(t, 3, *calls)
	})

	t.Run("gives up", func(t *testing.T) {
		action, calls := flaky(10, transient)
		err := Retry(action, RetryPolicy{Max: 2})(ctx, NewDocument(nil))
		require.ErrorIs(t, err, transient)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, *calls)
	})

	t.Run("final errors are not retried", func(t *testing.T) {
		action, calls := flaky(10, Fail("declined", "card declined"))
		err := Retry(action, RetryPolicy{Max: 5})(ctx, NewDocument(nil))
		var f *Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, "declined", f.Kind)
		assert.Equal(t, 1, *calls)
	})

	t.Run("zero max returns the action", func(t *testing.T) {
		action, calls := flaky(1, transient)
		require.ErrorIs(t, Retry(action, RetryPolicy{})(ctx, NewDocument(nil)), transient)
		assert.Equal(t, 1, *calls)
	})

	t.Run("canceled while waiting", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		action, calls := flaky(10, transient)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := Retry(action, RetryPolicy{Max: 5, Delay: time.Hour})(cctx, NewDocument(nil))
		require.ErrorIs(t, err, transient)
		assert.Equal(t, 1, *calls)
	})
}
