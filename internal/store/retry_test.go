package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoffSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryWithBackoffStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, func() error {
		t.Fatal("operation should not run with an already-cancelled context")
		return nil
	})
	require.Error(t, err)
}

func TestRetryWithBackoffDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("constraint violation")
	err := RetryWithBackoff(context.Background(), func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls, "non-retryable errors must not be retried")
}

func TestIsUniqueConstraintErrOnRealViolation(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`INSERT INTO sessions (id, source, status) VALUES ('s1', 'startup', 'active')`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO sessions (id, source, status) VALUES ('s1', 'startup', 'active')`)
	require.Error(t, err)
	require.True(t, IsUniqueConstraintErr(err))
}

func TestIsUniqueConstraintErrNilAndUnrelated(t *testing.T) {
	require.False(t, IsUniqueConstraintErr(nil))
	require.False(t, IsUniqueConstraintErr(errors.New("some other error")))
}
