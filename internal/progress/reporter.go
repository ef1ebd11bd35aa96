package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// ProgressStatus represents the status of a step
type ProgressStatus string

const (
	StatusProcessing ProgressStatus = "processing"
	StatusCompleted  ProgressStatus = "completed"
	StatusFailed     ProgressStatus = "failed"
)

// Reporter posts stage changes to a webhook
type Reporter struct {
	webhookURL string
	source     string
	httpClient *http.Client
}

// NewReporter creates a new progress reporter
func NewReporter(webhookURL, source string) *Reporter {
	return &Reporter{
		webhookURL: strings.TrimRight(webhookURL, "/"),
		source:     source,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// ProgressUpdate represents a progress update payload
type ProgressUpdate struct {
	Step            string         `json:"step"`
	StepIndex       int            `json:"step_index"`
	TotalSteps      int            `json:"total_steps"`
	Status          ProgressStatus `json:"status"`
	Source          string         `json:"actor_name"`
	Message         string         `json:"message,omitempty"`
	ProgressPercent float64        `json:"progress_percent"`
	Error           string         `json:"error,omitempty"`
	Scale           int            `json:"scale,omitempty"`
	Input           string         `json:"input_dimensions,omitempty"`
	Output          string         `json:"output_dimensions,omitempty"`
}

// NewProgressUpdate converts a stage event into the webhook payload
func NewProgressUpdate(event types.ProgressEvent) ProgressUpdate {
	stage := stages.Stage(event.Stage)

	status := StatusProcessing
	switch stage {
	case stages.Completed:
		status = StatusCompleted
	case stages.Error:
		status = StatusFailed
	}

	update := ProgressUpdate{
		Step:            event.Stage,
		StepIndex:       stage.Index(),
		TotalSteps:      stages.Count(),
		Status:          status,
		Message:         event.Description,
		ProgressPercent: float64(event.Progress),
		Error:           event.Error,
		Scale:           event.Scale,
	}
	if event.InputDimensions != nil {
		update.Input = event.InputDimensions.String()
	}
	if event.OutputDimensions != nil {
		update.Output = event.OutputDimensions.String()
	}
	return update
}

// Name identifies the sink in logs and metrics
func (r *Reporter) Name() string {
	return "webhook"
}

// Publish sends one stage event to {webhook}/jobs/{id}/progress
func (r *Reporter) Publish(ctx context.Context, event types.ProgressEvent) error {
	if event.JobID == "" {
		return nil
	}
	return r.ReportProgress(ctx, event.JobID, NewProgressUpdate(event))
}

// ReportProgress sends a progress update to the webhook
func (r *Reporter) ReportProgress(ctx context.Context, jobID string, update ProgressUpdate) error {
	update.Source = r.source

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal progress update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/jobs/%s/progress", r.webhookURL, url.PathEscape(jobID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send progress update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("progress update returned status %d", resp.StatusCode)
	}

	return nil
}
