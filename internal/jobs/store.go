package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
)

// Store manages job state in memory
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	timers  map[string]*time.Timer
	nextGen uint64
	now     func() time.Time
}

// NewStore creates a new job store
func NewStore() *Store {
	return &Store{
		jobs:   make(map[string]*entry),
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

// Create creates a new job
func (s *Store) Create(id string, scale int) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	s.nextGen++
	now := s.now()
	rec := Record{
		ID:         id,
		Stage:      stages.Initializing,
		Scale:      scale,
		CreatedAt:  now,
		UpdatedAt:  now,
		Generation: s.nextGen,
	}

	s.jobs[id] = newEntry(rec)
	return rec, nil
}

// Get retrieves a job by ID
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.jobs[id]
	if !exists {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return e.record, nil
}

// Watch retrieves a job together with its current change signal
func (s *Store) Watch(id string) (Record, <-chan struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.jobs[id]
	if !exists {
		return Record{}, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return e.record, e.changed, nil
}

// Update mutates a copy of the job and commits it when mutate succeeds.
// Watchers are signalled if the stage changed. Input and Output are shared with
// earlier snapshots, so mutate replaces them rather than writing through.
func (s *Store) Update(id string, mutate func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.jobs[id]
	if !exists {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := e.record
	if err := mutate(&next); err != nil {
		return Record{}, err
	}

	// Identity fields are owned by the store
	next.ID = e.record.ID
	next.CreatedAt = e.record.CreatedAt
	next.Generation = e.record.Generation

	changed := next.Stage != e.record.Stage
	e.record = next
	if changed {
		e.signal()
	}

	return next, nil
}

// Remove deletes a job and releases its watchers
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(id)
}

// RemoveIfTerminal deletes a job only if it reached a terminal stage
func (s *Store) RemoveIfTerminal(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.jobs[id]
	if !exists || !e.record.Terminal() {
		return false
	}

	s.removeLocked(id)
	return true
}

// ExpireAfter schedules removal of a finished job.
// The timer is bound to the current generation so a later job under the same id survives it.
func (s *Store) ExpireAfter(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.jobs[id]
	if !exists {
		return
	}

	s.cancelTimer(id)
	gen := e.record.Generation
	s.timers[id] = time.AfterFunc(d, func() {
		s.handleExpiry(id, gen)
	})
}

// Len returns the number of tracked jobs
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.jobs)
}

// Close stops all pending retention timers
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.timers {
		s.cancelTimer(id)
	}
}

// handleExpiry handles retention expiry (called by timer)
func (s *Store) handleExpiry(id string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.jobs[id]
	if !exists || e.record.Generation != gen {
		return
	}

	delete(s.timers, id)

	if !e.record.Terminal() {
		return
	}

	e.release()
	delete(s.jobs, id)
}

// removeLocked deletes a job and its timer (must hold lock)
func (s *Store) removeLocked(id string) {
	e, exists := s.jobs[id]
	if !exists {
		return
	}

	s.cancelTimer(id)
	e.release()
	delete(s.jobs, id)
}

// cancelTimer cancels and removes a retention timer (must hold lock)
func (s *Store) cancelTimer(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}
