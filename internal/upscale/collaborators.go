package upscale

import (
	"context"
	"image"

	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// Input is the raw upload handed to the validator
type Input struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Validator checks an upload before decoding
type Validator interface {
	Validate(in Input) error
}

// Decoder turns raw bytes into an image.
// Probe reads only the header, so size limits can be enforced before pixels are allocated.
type Decoder interface {
	Probe(data []byte) (types.Dimensions, error)
	Decode(data []byte) (image.Image, types.Dimensions, error)
}

// Model upscales an image by a fixed factor
type Model interface {
	Scale() int
	Upscale(ctx context.Context, img image.Image) (image.Image, error)
}

// ModelProvider hands out models by scale, loading each at most once
type ModelProvider interface {
	Model(ctx context.Context, scale int) (Model, error)
	Supported() []int
	Loaded() []int
	DefaultScale() int
}

// Encoder serializes the output image
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
	ContentType() string
}

// HistoryRecorder stores the outcome of finished jobs
type HistoryRecorder interface {
	RecordOutcome(ctx context.Context, outcome types.Outcome) error
}
