package jobs

import (
	"time"

	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// Record is the state of a single job
type Record struct {
	ID        string            `json:"job_id"`
	Stage     stages.Stage      `json:"stage"`
	Scale     int               `json:"scale"`
	Input     *types.Dimensions `json:"input_dimensions"`
	Output    *types.Dimensions `json:"output_dimensions"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	// Generation tells apart jobs that reused the same id
	Generation uint64 `json:"-"`
}

// Terminal reports whether the job has finished
func (r Record) Terminal() bool {
	return r.Stage.Terminal()
}

// ProgressEvent builds the observer payload for the record's current stage
func (r Record) ProgressEvent() types.ProgressEvent {
	info := stages.MustDescribe(r.Stage)
	ev := types.ProgressEvent{
		Stage:            string(r.Stage),
		Description:      info.Description,
		Progress:         info.Progress,
		Timestamp:        r.UpdatedAt,
		JobID:            r.ID,
		Scale:            r.Scale,
		InputDimensions:  r.Input,
		OutputDimensions: r.Output,
	}
	if r.Stage == stages.Error {
		ev.Error = r.Error
	}
	return ev
}

// Outcome summarizes a terminal record for auditing
func (r Record) Outcome() types.Outcome {
	d := r.UpdatedAt.Sub(r.CreatedAt)
	return types.Outcome{
		JobID:       r.ID,
		Stage:       string(r.Stage),
		Scale:       r.Scale,
		Input:       r.Input,
		Output:      r.Output,
		Error:       r.Error,
		Duration:    d,
		DurationMS:  d.Milliseconds(),
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.UpdatedAt,
	}
}
