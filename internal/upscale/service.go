package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/deliveryhero/asya/asya-upscaler/internal/jobs"
	"github.com/deliveryhero/asya/asya-upscaler/internal/metrics"
	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// Config tunes the worker pipeline
type Config struct {
	// StagePause is slept before each stage so observers can follow along; 0 disables it
	StagePause time.Duration
	// Retention is how long a finished job stays queryable; 0 keeps it forever
	Retention time.Duration
	// MaxOutputPixels rejects requests whose result would be larger; 0 disables the check
	MaxOutputPixels int64
}

// Collaborators are the pluggable pieces of the pipeline
type Collaborators struct {
	Validator Validator
	Decoder   Decoder
	Models    ModelProvider
	Encoder   Encoder
	// History is optional
	History HistoryRecorder
}

// Request is a single upscale job submission
type Request struct {
	// JobID is optional; a random id is assigned when empty
	JobID       string
	Filename    string
	ContentType string
	Data        []byte
	// Scale falls back to the provider default when zero
	Scale int
}

// Result is the outcome of a successful job
type Result struct {
	JobID          string
	Image          []byte
	ContentType    string
	Scale          int
	Input          types.Dimensions
	Output         types.Dimensions
	ProcessingTime time.Duration
	UpscalingTime  time.Duration
	EncodingTime   time.Duration
}

// Metadata renders the timings and dimensions the way clients receive them
func (r Result) Metadata() types.UpscaleMetadata {
	return types.UpscaleMetadata{
		InputDimensions:  r.Input,
		OutputDimensions: r.Output,
		Scale:            r.Scale,
		ProcessingTime:   formatSeconds(r.ProcessingTime),
		UpscalingTime:    formatSeconds(r.UpscalingTime),
		EncodingTime:     formatSeconds(r.EncodingTime),
	}
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// Handle tracks a running job
type Handle struct {
	ID string

	done   chan struct{}
	result Result
	err    error
}

// Done is closed once the job reached a terminal stage
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx is cancelled.
// Cancelling ctx does not stop the job.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Service runs upscale jobs, one goroutine per job
type Service struct {
	machine *jobs.Machine
	store   jobs.JobStore
	collab  Collaborators
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates the upscale service; m may be nil
func NewService(machine *jobs.Machine, collab Collaborators, cfg Config, m *metrics.Metrics) *Service {
	return &Service{
		machine: machine,
		store:   machine.Store(),
		collab:  collab,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// Models exposes the model provider
func (s *Service) Models() ModelProvider {
	return s.collab.Models
}

// Start registers the job and processes it in the background.
// The job is visible in the store when Start returns.
func (s *Service) Start(ctx context.Context, req Request) (*Handle, error) {
	if req.Scale == 0 {
		req.Scale = s.collab.Models.DefaultScale()
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	if _, err := s.store.Create(req.JobID, req.Scale); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobStarted()
	}

	slog.Info("Upscale job created", "job", req.JobID, "scale", req.Scale, "filename", req.Filename, "bytes", len(req.Data))

	h := &Handle{ID: req.JobID, done: make(chan struct{})}
	go s.run(context.WithoutCancel(ctx), h, req)

	return h, nil
}

// Run starts a job and waits for its result
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	h, err := s.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return h.Wait(ctx)
}

func (s *Service) run(ctx context.Context, h *Handle, req Request) {
	start := s.now()

	res, err := s.process(ctx, h.ID, req)
	res.ProcessingTime = s.now().Sub(start)

	if err != nil {
		mustNotViolate(err)
		slog.Error("Upscale job failed", "job", h.ID, "error", err)
		if _, ferr := s.machine.Fail(ctx, h.ID, err); ferr != nil {
			mustNotViolate(ferr)
			slog.Warn("Failed to record job failure", "job", h.ID, "error", ferr)
		}
	} else {
		slog.Info("Upscale job completed",
			"job", h.ID,
			"input", res.Input.String(),
			"output", res.Output.String(),
			"processing_time", res.ProcessingTime,
			"upscaling_time", res.UpscalingTime,
			"encoding_time", res.EncodingTime,
		)
	}

	h.result, h.err = res, err
	close(h.done)

	s.finalize(ctx, h.ID)
}

// mustNotViolate re-raises invariant violations, which are bugs rather than job failures
func mustNotViolate(err error) {
	var iv *jobs.InvariantViolation
	if errors.As(err, &iv) {
		panic(iv)
	}
}

func (s *Service) finalize(ctx context.Context, id string) {
	if s.collab.History != nil {
		if rec, err := s.store.Get(id); err == nil && rec.Terminal() {
			if err := s.collab.History.RecordOutcome(ctx, rec.Outcome()); err != nil {
				slog.Warn("Failed to record job outcome", "job", id, "error", err)
			}
		}
	}

	if s.cfg.Retention > 0 {
		s.store.ExpireAfter(id, s.cfg.Retention)
	}
}

// process walks the job through every stage.
// Collaborator panics become job failures; invariant violations are re-raised.
func (s *Service) process(ctx context.Context, id string, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			if iv, ok := r.(*jobs.InvariantViolation); ok {
				panic(iv)
			}
			slog.Error("Recovered panic in upscale pipeline", "job", id, "panic", r)
			err = &TransformError{Err: fmt.Errorf("internal error: %v", r)}
		}
	}()

	res = Result{JobID: id, Scale: req.Scale, ContentType: s.collab.Encoder.ContentType()}

	enter := func(stage stages.Stage, fields ...jobs.Field) error {
		if err := s.pause(ctx); err != nil {
			return err
		}
		_, err := s.machine.Advance(ctx, id, stage, fields...)
		return err
	}

	// Validating
	if err := enter(stages.Validating); err != nil {
		return res, err
	}
	if err := s.collab.Validator.Validate(Input{Filename: req.Filename, ContentType: req.ContentType, Data: req.Data}); err != nil {
		return res, asValidation(err)
	}
	if supported := s.collab.Models.Supported(); !slices.Contains(supported, req.Scale) {
		return res, &ValidationError{Msg: fmt.Sprintf("Unsupported scale: %dx. Supported: %v", req.Scale, supported)}
	}

	// Loading input
	if err := enter(stages.LoadingInput); err != nil {
		return res, err
	}
	header, err := s.collab.Decoder.Probe(req.Data)
	if err != nil {
		return res, asDecode(err)
	}
	if s.cfg.MaxOutputPixels > 0 && header.Scale(req.Scale).Pixels() > s.cfg.MaxOutputPixels {
		return res, &ValidationError{Msg: fmt.Sprintf("Image too large: %s at %dx exceeds %d output pixels", header, req.Scale, s.cfg.MaxOutputPixels)}
	}
	img, dims, err := s.collab.Decoder.Decode(req.Data)
	if err != nil {
		return res, asDecode(err)
	}
	res.Input = dims
	if _, err := s.machine.Advance(ctx, id, stages.LoadingInput, jobs.WithInput(dims)); err != nil {
		return res, err
	}

	// Preparing resource
	if err := enter(stages.PreparingResource); err != nil {
		return res, err
	}
	model, err := s.collab.Models.Model(ctx, req.Scale)
	if err != nil {
		return res, asResource(req.Scale, err)
	}

	// Preprocessing
	if err := enter(stages.Preprocessing); err != nil {
		return res, err
	}
	src := toRGBA(img)

	// Processing
	if err := enter(stages.Processing); err != nil {
		return res, err
	}
	upscaleStart := s.now()
	out, err := model.Upscale(ctx, src)
	if err != nil {
		return res, asTransform(err)
	}
	res.UpscalingTime = s.now().Sub(upscaleStart)
	if s.metrics != nil {
		s.metrics.RecordUpscaleDuration(req.Scale, res.UpscalingTime)
	}

	// Postprocessing
	b := out.Bounds()
	res.Output = types.Dimensions{Width: b.Dx(), Height: b.Dy()}
	if err := enter(stages.Postprocessing, jobs.WithOutput(res.Output)); err != nil {
		return res, err
	}

	// Encoding
	if err := enter(stages.Encoding); err != nil {
		return res, err
	}
	encodeStart := s.now()
	data, err := s.collab.Encoder.Encode(out)
	if err != nil {
		return res, asTransform(fmt.Errorf("failed to encode result: %w", err))
	}
	res.EncodingTime = s.now().Sub(encodeStart)
	res.Image = data

	if err := enter(stages.Completed); err != nil {
		return res, err
	}

	return res, nil
}

func (s *Service) pause(ctx context.Context) error {
	if s.cfg.StagePause <= 0 {
		return nil
	}
	t := time.NewTimer(s.cfg.StagePause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// toRGBA normalizes the decoded image to RGBA with a zero origin
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
