package types

import (
	"fmt"
	"time"
)

// Dimensions is the pixel size of an image, serialized as "WxH"
type Dimensions struct {
	Width  int
	Height int
}

// String renders dimensions the way they appear on the wire
func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Pixels returns the total pixel count
func (d Dimensions) Pixels() int64 {
	return int64(d.Width) * int64(d.Height)
}

// Scale multiplies both sides by factor
func (d Dimensions) Scale(factor int) Dimensions {
	return Dimensions{Width: d.Width * factor, Height: d.Height * factor}
}

// MarshalText implements encoding.TextMarshaler
func (d Dimensions) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Dimensions) UnmarshalText(text []byte) error {
	var w, h int
	if _, err := fmt.Sscanf(string(text), "%dx%d", &w, &h); err != nil {
		return fmt.Errorf("invalid dimensions %q: %w", string(text), err)
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid dimensions %q: sides must be positive", string(text))
	}
	d.Width, d.Height = w, h
	return nil
}

// UpscaleMetadata describes a finished upscale
type UpscaleMetadata struct {
	InputDimensions  Dimensions `json:"input_dimensions"`
	OutputDimensions Dimensions `json:"output_dimensions"`
	Scale            int        `json:"scale"`
	ProcessingTime   string     `json:"processing_time"`
	UpscalingTime    string     `json:"upscaling_time"`
	EncodingTime     string     `json:"encoding_time"`
}

// UpscaleResponse is the synchronous result returned to the starter
type UpscaleResponse struct {
	Success        bool            `json:"success"`
	ProcessedImage string          `json:"processedImage"`
	Message        string          `json:"message"`
	JobID          string          `json:"job_id"`
	Metadata       UpscaleMetadata `json:"metadata"`
}

// UpscaleMessage is a queued upscale request
type UpscaleMessage struct {
	JobID       string `json:"job_id,omitempty"`
	Scale       int    `json:"scale,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	ImageBase64 string `json:"image_base64"`
}

// ResultMessage is published after a queued upscale finishes
type ResultMessage struct {
	JobID     string           `json:"job_id"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	Metadata  *UpscaleMetadata `json:"metadata,omitempty"`
	Image     string           `json:"image_base64,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Outcome is the audit row written when a job reaches a terminal stage
type Outcome struct {
	JobID       string        `json:"job_id"`
	Stage       string        `json:"stage"`
	Scale       int           `json:"scale"`
	Input       *Dimensions   `json:"input_dimensions"`
	Output      *Dimensions   `json:"output_dimensions"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"duration_ms"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at"`
}
