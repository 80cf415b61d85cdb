// Package faults holds the error taxonomy shared by the indexer, ledger and reputation packages.
// Callers classify with errors.Is against the sentinels below.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientSource marks RPC or network failures. The current cycle is abandoned and retried later.
	ErrTransientSource = errors.New("transient source failure")
	// ErrDecodeSkip marks a single malformed log that is skipped without failing the cycle.
	ErrDecodeSkip = errors.New("undecodable log")
	// ErrInvariant marks a record rejected at construction time. Such records are never persisted.
	ErrInvariant = errors.New("invariant violation")

	ErrNoUnsettledPlays    = errors.New("no unsettled plays")
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicate         = errors.New("duplicate")
	ErrRateLimited       = errors.New("rate limited")
)

// Transient wraps err as a TransientSource failure of op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientSource, err)
}

// DecodeSkip builds an ErrDecodeSkip with a formatted reason.
func DecodeSkip(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecodeSkip, fmt.Sprintf(format, args...))
}

// Invariant builds an ErrInvariant with a formatted reason.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// IsBusinessRejection reports whether err is an expected rule rejection that should be surfaced to
// the caller without being logged as an error.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrNoUnsettledPlays) || errors.Is(err, ErrInsufficientBalance)
}
