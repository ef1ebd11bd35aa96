package jobs

// entry pairs a record with its change signal.
// changed is closed and replaced whenever the stage moves, and closed for good on removal.
type entry struct {
	record  Record
	changed chan struct{}
}

func newEntry(r Record) *entry {
	return &entry{record: r, changed: make(chan struct{})}
}

// signal wakes every current watcher and arms a fresh channel (must hold lock)
func (e *entry) signal() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// release wakes every current watcher without re-arming (must hold lock)
func (e *entry) release() {
	close(e.changed)
}
