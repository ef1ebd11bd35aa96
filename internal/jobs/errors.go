package jobs

import (
	"errors"
	"fmt"

	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
)

var (
	// ErrNotFound is returned when no job exists under the given id
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists is returned by Create when the id is taken
	ErrAlreadyExists = errors.New("job already exists")
)

// InvariantViolation reports an illegal stage transition.
// It indicates a programming error and must never be turned into a job failure.
type InvariantViolation struct {
	JobID  string
	From   stages.Stage
	To     stages.Stage
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s: %s", e.JobID, e.From, e.To, e.Reason)
}

// IsInvariantViolation reports whether err wraps an *InvariantViolation
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
