package types

import "time"

// ProgressEvent is the payload delivered to observers on every stage change
type ProgressEvent struct {
	Stage            string      `json:"stage"`
	Description      string      `json:"description"`
	Progress         int         `json:"progress"`
	Timestamp        time.Time   `json:"timestamp"`
	JobID            string      `json:"job_id"`
	Scale            int         `json:"scale"`
	InputDimensions  *Dimensions `json:"input_dimensions"`
	OutputDimensions *Dimensions `json:"output_dimensions"`
	// Error is only filled for external sinks; streams send it as a separate event
	Error string `json:"error,omitempty"`
}

// ErrorEvent reports a failure to an observer
type ErrorEvent struct {
	Stage string `json:"stage,omitempty"`
	Error string `json:"error"`
}
