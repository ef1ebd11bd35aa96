package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-upscaler/internal/jobs"
	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

type acceptAll struct{}

func (acceptAll) Validate(Input) error { return nil }

type tinyDecoder struct{}

func (tinyDecoder) Probe([]byte) (types.Dimensions, error) {
	return types.Dimensions{Width: 2, Height: 2}, nil
}

func (tinyDecoder) Decode([]byte) (image.Image, types.Dimensions, error) {
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), types.Dimensions{Width: 2, Height: 2}, nil
}

type panickingModel struct{ value any }

func (panickingModel) Scale() int { return 2 }

func (m panickingModel) Upscale(context.Context, image.Image) (image.Image, error) {
	panic(m.value)
}

type singleModel struct{ model Model }

func (p singleModel) Model(context.Context, int) (Model, error) { return p.model, nil }
func (singleModel) Supported() []int                            { return []int{2} }
func (singleModel) Loaded() []int                               { return nil }
func (singleModel) DefaultScale() int                           { return 2 }

type discardEncoder struct{}

func (discardEncoder) Encode(image.Image) ([]byte, error) { return nil, nil }
func (discardEncoder) ContentType() string                { return "image/png" }

func newPanickingService(t *testing.T, value any) (*Service, *jobs.Store) {
	t.Helper()

	store := jobs.NewStore()
	t.Cleanup(store.Close)
	_, err := store.Create("job", 2)
	require.NoError(t, err)

	s := NewService(jobs.NewMachine(store, nil), Collaborators{
		Validator: acceptAll{},
		Decoder:   tinyDecoder{},
		Models:    singleModel{model: panickingModel{value: value}},
		Encoder:   discardEncoder{},
	}, Config{}, nil)
	return s, store
}

func TestMustNotViolate(t *testing.T) {
	iv := &jobs.InvariantViolation{JobID: "job", From: stages.Validating, To: stages.Completed, Reason: "stage skipped"}

	tests := []struct {
		name      string
		err       error
		wantPanic bool
	}{
		{name: "ordinary failure", err: errors.New("decode failed")},
		{name: "violation", err: iv, wantPanic: true},
		{name: "wrapped violation", err: fmt.Errorf("advance: %w", iv), wantPanic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantPanic {
				assert.PanicsWithValue(t, iv, func() { mustNotViolate(tt.err) })
			} else {
				assert.NotPanics(t, func() { mustNotViolate(tt.err) })
			}
		})
	}
}

func TestProcess_InvariantViolationIsNotAJobFailure(t *testing.T) {
	iv := &jobs.InvariantViolation{JobID: "job", From: stages.Processing, To: stages.Validating, Reason: "stage moves backwards"}
	s, store := newPanickingService(t, iv)

	require.PanicsWithValue(t, iv, func() {
		_, _ = s.process(context.Background(), "job", Request{JobID: "job", Data: []byte{1}, Scale: 2})
	})

	rec, err := store.Get("job")
	require.NoError(t, err)
	assert.Equal(t, stages.Processing, rec.Stage)
	assert.Empty(t, rec.Error)
}

func TestProcess_OrdinaryPanicBecomesTransformError(t *testing.T) {
	s, _ := newPanickingService(t, "nil weights")

	var err error
	require.NotPanics(t, func() {
		_, err = s.process(context.Background(), "job", Request{JobID: "job", Data: []byte{1}, Scale: 2})
	})

	var te *TransformError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "internal error: nil weights")
}
