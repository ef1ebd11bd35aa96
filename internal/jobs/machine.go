package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deliveryhero/asya/asya-upscaler/internal/metrics"
	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// EventSink receives every stage change published by the machine
type EventSink interface {
	Publish(ctx context.Context, event types.ProgressEvent) error
	Name() string
}

// Field sets job metadata as part of a transition
type Field func(*Record)

// WithInput records the decoded input dimensions
func WithInput(d types.Dimensions) Field {
	return func(r *Record) {
		r.Input = &d
	}
}

// WithOutput records the output dimensions
func WithOutput(d types.Dimensions) Field {
	return func(r *Record) {
		r.Output = &d
	}
}

func withError(msg string) Field {
	return func(r *Record) {
		r.Error = msg
	}
}

// Machine is the only sanctioned way to change a job's stage
type Machine struct {
	store   JobStore
	metrics *metrics.Metrics
	sinks   []EventSink
	now     func() time.Time
}

// NewMachine creates a stage machine over store.
// m may be nil when metrics are disabled.
func NewMachine(store JobStore, m *metrics.Metrics, sinks ...EventSink) *Machine {
	return &Machine{
		store:   store,
		metrics: m,
		sinks:   sinks,
		now:     time.Now,
	}
}

// Store returns the store the machine writes to
func (m *Machine) Store() JobStore {
	return m.store
}

// Advance moves a job to next, applying fields in the same atomic update.
// Announcing the current stage again is allowed and only updates fields.
// The error stage is entered through Fail, which supplies the message.
func (m *Machine) Advance(ctx context.Context, id string, next stages.Stage, fields ...Field) (Record, error) {
	var from stages.Stage
	rec, err := m.store.Update(id, func(r *Record) error {
		from = r.Stage
		if err := checkTransition(id, r.Stage, next); err != nil {
			return err
		}
		for _, f := range fields {
			f(r)
		}
		if next == stages.Error && r.Error == "" {
			return &InvariantViolation{JobID: id, From: r.Stage, To: next, Reason: "error stage requires a message"}
		}
		r.Stage = next
		r.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	if from != next {
		m.emit(ctx, rec)
	}

	return rec, nil
}

// Fail moves a job to the error stage with cause as its message
func (m *Machine) Fail(ctx context.Context, id string, cause error) (Record, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if msg == "" {
		msg = "Unknown error"
	}
	return m.Advance(ctx, id, stages.Error, withError(msg))
}

func checkTransition(id string, from, to stages.Stage) error {
	violation := func(reason string) error {
		return &InvariantViolation{JobID: id, From: from, To: to, Reason: reason}
	}

	if !to.Valid() {
		return violation("unknown target stage")
	}

	if from.Terminal() {
		return violation("job already finished")
	}

	if to == from || to == stages.Error {
		return nil
	}

	if next, ok := from.Next(); ok && next == to {
		return nil
	}

	if to.Index() < from.Index() {
		return violation("stage moves backwards")
	}
	return violation("stage skipped")
}

// emit fans a stage change out to metrics and external sinks
func (m *Machine) emit(ctx context.Context, rec Record) {
	info := stages.MustDescribe(rec.Stage)
	slog.Info("Job stage changed",
		"job", rec.ID,
		"stage", rec.Stage,
		"step", stepLabel(rec.Stage),
		"progress", info.Progress,
	)

	if m.metrics != nil {
		m.metrics.RecordStageTransition(string(rec.Stage))
		if rec.Terminal() {
			m.metrics.RecordJobFinished(string(rec.Stage), rec.UpdatedAt.Sub(rec.CreatedAt))
		}
	}

	if len(m.sinks) == 0 {
		return
	}

	event := rec.ProgressEvent()
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			slog.Warn("Failed to publish stage event",
				"job", rec.ID, "stage", rec.Stage, "sink", sink.Name(), "error", err)
			if m.metrics != nil {
				m.metrics.RecordSinkFailure(sink.Name())
			}
		}
	}
}

// stepLabel renders the position of a stage as "n/total"
func stepLabel(s stages.Stage) string {
	if s == stages.Error {
		return "error"
	}
	return fmt.Sprintf("%d/%d", s.Index()+1, stages.Count())
}
