package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	d := New(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(err error) bool {
		return errors.Is(err, errBoom)
	})

	attempts := 0
	result, err := d.Do(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errBoom
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestDo_NonTransientFailsImmediately(t *testing.T) {
	nonTransient := errors.New("fatal")
	d := New(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(err error) bool {
		return errors.Is(err, errBoom)
	})

	attempts := 0
	_, err := d.Do(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, nonTransient
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
