package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransientKeepsCause(t *testing.T) {
	err := Transient("fetch logs", context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrTransientSource)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "fetch logs")
	require.NoError(t, Transient("noop", nil))
}

func TestInvariantAndDecodeSkip(t *testing.T) {
	require.ErrorIs(t, Invariant("confidence %d out of range", 1001), ErrInvariant)
	require.ErrorIs(t, DecodeSkip("short data"), ErrDecodeSkip)
}

func TestIsBusinessRejection(t *testing.T) {
	require.True(t, IsBusinessRejection(fmt.Errorf("artist a: %w", ErrNoUnsettledPlays)))
	require.True(t, IsBusinessRejection(ErrInsufficientBalance))
	require.False(t, IsBusinessRejection(errors.New("db down")))
}
