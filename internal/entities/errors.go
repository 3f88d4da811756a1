package entities

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable is returned when the upstream feed failed after all retries
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrNotAvailable is returned when upstream answered but had no data for the request
	ErrNotAvailable = errors.New("no data available")

	// ErrMalformedPayload is returned for upstream data that cannot become an Observation
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrMissingRule is returned when a station has no favourable-condition rule
	ErrMissingRule = errors.New("no favourable-condition rule for station")

	// ErrInsufficientHistory signals fewer than two real observations for interpolation
	ErrInsufficientHistory = errors.New("insufficient history for interpolation")

	// ErrStoreUnavailable marks storage failures that abort the current cycle
	ErrStoreUnavailable = errors.New("reading store unavailable")
)

// MalformedItemError describes a single upstream item that was dropped
type MalformedItemError struct {
	Index  int
	Reason string
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("item %d: %s", e.Index, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedPayload
func (e *MalformedItemError) Unwrap() error { return ErrMalformedPayload }

// StoreError wraps err so that it matches ErrStoreUnavailable and keeps the cause
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
