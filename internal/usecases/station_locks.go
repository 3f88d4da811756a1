package usecases

import "sync"

// StationLocks hands out one mutex per station id so gap checks, backfills and repairs of a
// station never interleave
type StationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStationLocks creates an empty lock table
func NewStationLocks() *StationLocks {
	return &StationLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until the station is free and returns its unlock function
func (l *StationLocks) Lock(stationID string) func() {
	l.mu.Lock()
	m, ok := l.locks[stationID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[stationID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
