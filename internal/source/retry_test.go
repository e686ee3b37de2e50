package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyStopsAfterRetries(t *testing.T) {
	policy := newRetryPolicy(2, time.Millisecond)
	calls := 0
	var seen []int
	err := policy.do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("limit exceeded")
	}, func(attempt int, _ error) { seen = append(seen, attempt) })

	assert.EqualError(t, err, "limit exceeded")
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetryPolicySucceedsLater(t *testing.T) {
	calls := 0
	err := newRetryPolicy(5, time.Millisecond).do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := newRetryPolicy(5, time.Hour).do(ctx, func(context.Context) error {
		cancel()
		return errors.New("busy")
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
