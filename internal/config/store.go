package config

import "sync/atomic"

// Store holds the live trading thresholds. Readers take the current value once
// per tick, so an update is picked up on the next tick and never mid-tick.
type Store struct {
	current atomic.Pointer[Trading]
}

func NewStore(t Trading) *Store {
	s := &Store{}
	s.current.Store(&t)
	return s
}

// Trading returns a copy of the current thresholds.
func (s *Store) Trading() Trading {
	return *s.current.Load()
}

// Update validates and swaps in a new threshold set.
func (s *Store) Update(t Trading) error {
	if err := ValidateTrading(t); err != nil {
		return err
	}
	s.current.Store(&t)
	return nil
}
