// Package entities contains the core domain objects for the river ingestion pipeline
package entities

import (
	"fmt"
	"strings"
	"time"
)

// ParameterKind identifies what a station measures
type ParameterKind string

const (
	// KindLevel is river stage in metres
	KindLevel ParameterKind = "level"
	// KindRainfall is rainfall depth in millimetres
	KindRainfall ParameterKind = "rainfall"
)

// ParseParameterKind converts a textual kind into a ParameterKind
func ParseParameterKind(s string) (ParameterKind, error) {
	switch ParameterKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindLevel:
		return KindLevel, nil
	case KindRainfall:
		return KindRainfall, nil
	default:
		return "", fmt.Errorf("unknown parameter kind %q", s)
	}
}

// String implements fmt.Stringer
func (k ParameterKind) String() string { return string(k) }

// Observation represents a single measurement in the reading ledger
type Observation struct {
	StationID string
	Kind      ParameterKind
	Value     float64   // metres for level, millimetres for rainfall
	Timestamp time.Time // UTC, minute precision
	Synthetic bool      // produced by grid interpolation rather than fetched
	Favorable bool      // level only, written by the condition evaluator
}

// ObservationKey is the identity of an observation in the ledger
type ObservationKey struct {
	StationID string
	Kind      ParameterKind
	Timestamp time.Time
}

// Key returns the unique key of the observation
func (o Observation) Key() ObservationKey {
	return ObservationKey{StationID: o.StationID, Kind: o.Kind, Timestamp: NormalizeTimestamp(o.Timestamp)}
}

// NormalizeTimestamp converts t to UTC with minute precision
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// InsertResult reports the outcome of an idempotent insert
type InsertResult int

const (
	// Inserted means a new row was written
	Inserted InsertResult = iota
	// AlreadyPresent means a row with the same key already existed
	AlreadyPresent
)

func (r InsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_present"
}
