package jobs

import "time"

// JobStore defines the interface for job storage
type JobStore interface {
	// Create registers a new job at the initializing stage
	Create(id string, scale int) (Record, error)

	// Get returns a copy of the job record
	Get(id string) (Record, error)

	// Watch returns the record together with a channel that is closed on the next stage change or removal
	Watch(id string) (Record, <-chan struct{}, error)

	// Update applies mutate to a copy of the record and commits it if mutate returns nil.
	// The copy is shallow: mutate must replace Input and Output, never write through them,
	// since earlier snapshots share those pointers.
	Update(id string, mutate func(*Record) error) (Record, error)

	// Remove deletes the job; removing an unknown id is a no-op
	Remove(id string)

	// RemoveIfTerminal deletes the job only if it has finished
	RemoveIfTerminal(id string) bool

	// ExpireAfter schedules RemoveIfTerminal once d has elapsed
	ExpireAfter(id string, d time.Duration)

	// Len returns the number of tracked jobs
	Len() int
}
