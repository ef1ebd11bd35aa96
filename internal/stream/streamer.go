// Package stream delivers job progress to observers that may subscribe before the job exists.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deliveryhero/asya/asya-upscaler/internal/jobs"
	"github.com/deliveryhero/asya/asya-upscaler/internal/metrics"
	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// EventWriter is the transport a subscription writes to.
// Each call delivers one complete event.
type EventWriter interface {
	WriteEvent(v any) error
}

// Options controls subscription timing
type Options struct {
	// GraceTimeout is how long to wait for a job that does not exist yet
	GraceTimeout time.Duration
	// GraceInterval is the lookup period during the grace wait
	GraceInterval time.Duration
	// PollInterval bounds how long a missed change signal can delay delivery
	PollInterval time.Duration
}

// DefaultOptions returns the standard subscription timing
func DefaultOptions() Options {
	return Options{
		GraceTimeout:  5 * time.Second,
		GraceInterval: 100 * time.Millisecond,
		PollInterval:  300 * time.Millisecond,
	}
}

// Streamer serves progress subscriptions from a job store
type Streamer struct {
	store   jobs.JobStore
	opts    Options
	metrics *metrics.Metrics
}

// NewStreamer creates a streamer; m may be nil
func NewStreamer(store jobs.JobStore, opts Options, m *metrics.Metrics) *Streamer {
	defaults := DefaultOptions()
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = defaults.GraceTimeout
	}
	if opts.GraceInterval <= 0 {
		opts.GraceInterval = defaults.GraceInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	return &Streamer{store: store, opts: opts, metrics: m}
}

// Stream writes progress events for jobID until the job finishes, disappears,
// or ctx is cancelled. A job that never shows up within the grace period gets a
// single not-found error event. Returns ctx.Err() on observer disconnect and the
// write error if the transport fails.
func (s *Streamer) Stream(ctx context.Context, jobID string, w EventWriter) error {
	if s.metrics != nil {
		s.metrics.IncrementActiveSubscriptions()
		defer s.metrics.DecrementActiveSubscriptions()
	}

	found, err := s.awaitJob(ctx, jobID)
	if err != nil {
		return err
	}

	if !found {
		slog.Info("Job not found after grace period", "job", jobID, "grace", s.opts.GraceTimeout)
		s.delivered("not_found")
		return w.WriteEvent(types.ErrorEvent{
			Stage: string(stages.Error),
			Error: fmt.Sprintf("Job %s not found", jobID),
		})
	}

	return s.deliver(ctx, jobID, w)
}

// awaitJob polls the store until the job exists or the grace period ends
func (s *Streamer) awaitJob(ctx context.Context, jobID string) (bool, error) {
	deadline := time.NewTimer(s.opts.GraceTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.GraceInterval)
	defer ticker.Stop()

	for {
		if _, err := s.store.Get(jobID); err == nil {
			return true, nil
		} else if !errors.Is(err, jobs.ErrNotFound) {
			return false, err
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			_, err := s.store.Get(jobID)
			return err == nil, nil
		case <-ticker.C:
		}
	}
}

// deliver runs the delivery loop for a job known to exist
func (s *Streamer) deliver(ctx context.Context, jobID string, w EventWriter) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var (
		generation    uint64
		pinned        bool
		lastDelivered stages.Stage
	)

	for {
		rec, changed, err := s.store.Watch(jobID)
		if errors.Is(err, jobs.ErrNotFound) {
			slog.Debug("Job removed while streaming", "job", jobID)
			return nil
		}
		if err != nil {
			return err
		}

		if !pinned {
			generation, pinned = rec.Generation, true
		} else if rec.Generation != generation {
			slog.Debug("Job id reused while streaming", "job", jobID)
			return nil
		}

		if rec.Stage != lastDelivered {
			ev := rec.ProgressEvent()
			ev.Error = ""
			if err := w.WriteEvent(ev); err != nil {
				return fmt.Errorf("failed to write progress event: %w", err)
			}
			s.delivered("progress")
			lastDelivered = rec.Stage

			switch rec.Stage {
			case stages.Error:
				if err := w.WriteEvent(types.ErrorEvent{Error: rec.Error}); err != nil {
					return fmt.Errorf("failed to write error event: %w", err)
				}
				s.delivered("error")
				return nil
			case stages.Completed:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			slog.Debug("Subscriber disconnected", "job", jobID)
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

func (s *Streamer) delivered(kind string) {
	if s.metrics != nil {
		s.metrics.RecordEventDelivered(kind)
	}
}
