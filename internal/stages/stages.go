package stages

import (
	"errors"
	"fmt"
	"time"
)

// Stage is one discrete step of an upscale job
type Stage string

const (
	Initializing      Stage = "initializing"
	Validating        Stage = "validating"
	LoadingInput      Stage = "loading_input"
	PreparingResource Stage = "preparing_resource"
	Preprocessing     Stage = "preprocessing"
	Processing        Stage = "processing"
	Postprocessing    Stage = "postprocessing"
	Encoding          Stage = "encoding"
	Completed         Stage = "completed"
	Error             Stage = "error"
)

// ErrUnknownStage is returned for values outside the catalog
var ErrUnknownStage = errors.New("unknown stage")

// Info is the static description attached to a stage
type Info struct {
	Description       string        `json:"description"`
	Progress          int           `json:"progress"`
	EstimatedDuration time.Duration `json:"-"`
}

// sequence is the happy path; Error sits outside it.
var sequence = []Stage{
	Initializing,
	Validating,
	LoadingInput,
	PreparingResource,
	Preprocessing,
	Processing,
	Postprocessing,
	Encoding,
	Completed,
}

var catalog = map[Stage]Info{
	Initializing:      {Description: "Initializing upscale request", Progress: 0, EstimatedDuration: 100 * time.Millisecond},
	Validating:        {Description: "Validating image file", Progress: 5, EstimatedDuration: 200 * time.Millisecond},
	LoadingInput:      {Description: "Loading and decoding image", Progress: 10, EstimatedDuration: 500 * time.Millisecond},
	PreparingResource: {Description: "Preparing upscaling model", Progress: 20, EstimatedDuration: 300 * time.Millisecond},
	Preprocessing:     {Description: "Preprocessing image data", Progress: 30, EstimatedDuration: time.Second},
	Processing:        {Description: "Running AI upscaling (this may take a while)", Progress: 40, EstimatedDuration: 10 * time.Second},
	Postprocessing:    {Description: "Postprocessing enhanced image", Progress: 80, EstimatedDuration: time.Second},
	Encoding:          {Description: "Encoding result for transfer", Progress: 90, EstimatedDuration: time.Second},
	Completed:         {Description: "Upscaling completed successfully", Progress: 100},
	Error:             {Description: "An error occurred during processing", Progress: 0},
}

// Describe returns the description and progress percentage of a stage
func Describe(s Stage) (Info, error) {
	info, ok := catalog[s]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnknownStage, string(s))
	}
	return info, nil
}

// MustDescribe is Describe for stages known to be valid
func MustDescribe(s Stage) Info {
	info, err := Describe(s)
	if err != nil {
		panic(err)
	}
	return info
}

// Parse converts a wire name into a Stage
func Parse(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return s, nil
}

// All returns every stage in order, with Error last
func All() []Stage {
	out := make([]Stage, 0, len(sequence)+1)
	out = append(out, sequence...)
	return append(out, Error)
}

// Count is the number of stages on the happy path
func Count() int {
	return len(sequence)
}

// Valid reports whether s is a catalog stage
func (s Stage) Valid() bool {
	_, ok := catalog[s]
	return ok
}

// Terminal reports whether no transition may leave s
func (s Stage) Terminal() bool {
	return s == Completed || s == Error
}

// Index is the zero-based position of s on the happy path, -1 for Error or unknown values
func (s Stage) Index() int {
	for i, candidate := range sequence {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the immediate successor on the happy path
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(sequence) {
		return "", false
	}
	return sequence[i+1], true
}

func (s Stage) String() string {
	return string(s)
}
