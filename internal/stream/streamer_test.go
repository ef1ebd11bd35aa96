package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deliveryhero/asya/asya-upscaler/internal/jobs"
	"github.com/deliveryhero/asya/asya-upscaler/internal/metrics"
	"github.com/deliveryhero/asya/asya-upscaler/internal/stages"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

type captureWriter struct {
	mu     sync.Mutex
	events []any
	failOn int
}

func (w *captureWriter) WriteEvent(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failOn > 0 && len(w.events)+1 >= w.failOn {
		return errors.New("broken pipe")
	}
	w.events = append(w.events, v)
	return nil
}

func (w *captureWriter) snapshot() []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]any(nil), w.events...)
}

func (w *captureWriter) progress() []types.ProgressEvent {
	var out []types.ProgressEvent
	for _, ev := range w.snapshot() {
		if p, ok := ev.(types.ProgressEvent); ok {
			out = append(out, p)
		}
	}
	return out
}

func fastOptions() Options {
	return Options{
		GraceTimeout:  500 * time.Millisecond,
		GraceInterval: 5 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
	}
}

func runStream(ctx context.Context, s *Streamer, id string, w EventWriter) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, id, w)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return")
		return nil
	}
}

func TestStream_SubscribeBeforeCreate(t *testing.T) {
	store := jobs.NewStore()
	defer store.Close()
	machine := jobs.NewMachine(store, nil)
	streamer := NewStreamer(store, fastOptions(), nil)
	w := &captureWriter{}

	done := runStream(context.Background(), streamer, "early", w)

	time.Sleep(30 * time.Millisecond)
	_, err := store.Create("early", 4)
	require.NoError(t, err)

	ctx := context.Background()
	for _, s := range stages.All()[1:9] {
		time.Sleep(10 * time.Millisecond)
		var fields []jobs.Field
		if s == stages.LoadingInput {
			fields = append(fields, jobs.WithInput(types.Dimensions{Width: 16, Height: 16}))
		}
		if s == stages.Postprocessing {
			fields = append(fields, jobs.WithOutput(types.Dimensions{Width: 64, Height: 64}))
		}
		_, err := machine.Advance(ctx, "early", s, fields...)
		require.NoError(t, err)
	}

	require.NoError(t, waitDone(t, done))

	events := w.progress()
	require.NotEmpty(t, events)
	prev := -1
	lastIndex := -1
	for _, ev := range events {
		assert.Greater(t, ev.Progress, prev, "progress not increasing at %s", ev.Stage)
		prev = ev.Progress
		idx := stages.Stage(ev.Stage).Index()
		assert.Greater(t, idx, lastIndex, "stage %s out of order", ev.Stage)
		lastIndex = idx
		assert.Equal(t, "early", ev.JobID)
		assert.Equal(t, 4, ev.Scale)
	}

	final := events[len(events)-1]
	assert.Equal(t, "completed", final.Stage)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.OutputDimensions)
	assert.Equal(t, "64x64", final.OutputDimensions.String())
}

func TestStream_NotFoundAfterGrace(t *testing.T) {
	store := jobs.NewStore()
	opts := fastOptions()
	opts.GraceTimeout = 40 * time.Millisecond
	m := metrics.NewMetrics("test")
	streamer := NewStreamer(store, opts, m)
	w := &captureWriter{}

	start := time.Now()
	err := streamer.Stream(context.Background(), "ghost", w)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	events := w.snapshot()
	require.Len(t, events, 1)
	ev, ok := events[0].(types.ErrorEvent)
	require.True(t, ok, "unexpected event type %T", events[0])
	assert.Equal(t, "error", ev.Stage)
	assert.Equal(t, "Job ghost not found", ev.Error)
}

func TestStream_FailureReachesEarlyAndLateSubscribers(t *testing.T) {
	store := jobs.NewStore()
	defer store.Close()
	machine := jobs.NewMachine(store, nil)
	streamer := NewStreamer(store, fastOptions(), nil)
	ctx := context.Background()

	early := &captureWriter{}
	earlyDone := runStream(ctx, streamer, "job", early)

	_, err := store.Create("job", 4)
	require.NoError(t, err)
	_, err = machine.Advance(ctx, "job", stages.Validating)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = machine.Fail(ctx, "job", errors.New("boom"))
	require.NoError(t, err)

	require.NoError(t, waitDone(t, earlyDone))

	late := &captureWriter{}
	require.NoError(t, streamer.Stream(ctx, "job", late))

	for name, w := range map[string]*captureWriter{"early": early, "late": late} {
		events := w.snapshot()
		require.NotEmpty(t, events, name)
		last, ok := events[len(events)-1].(types.ErrorEvent)
		require.True(t, ok, "%s: last event is %T", name, events[len(events)-1])
		assert.True(t, strings.Contains(last.Error, "boom"), "%s: error = %q", name, last.Error)
		assert.Empty(t, last.Stage)
	}

	// The late subscriber only sees the terminal state
	lateProgress := late.progress()
	require.Len(t, lateProgress, 1)
	assert.Equal(t, "error", lateProgress[0].Stage)
	assert.Empty(t, lateProgress[0].Error)
}

func TestStream_JobRemovedMidStream(t *testing.T) {
	store := jobs.NewStore()
	_, err := store.Create("job", 2)
	require.NoError(t, err)
	streamer := NewStreamer(store, fastOptions(), nil)
	w := &captureWriter{}

	done := runStream(context.Background(), streamer, "job", w)
	time.Sleep(20 * time.Millisecond)
	store.Remove("job")

	assert.NoError(t, waitDone(t, done))
	assert.Len(t, w.progress(), 1)
}

func TestStream_ObserverDisconnect(t *testing.T) {
	store := jobs.NewStore()
	_, err := store.Create("job", 2)
	require.NoError(t, err)
	m := metrics.NewMetrics("test")
	streamer := NewStreamer(store, fastOptions(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := runStream(ctx, streamer, "job", &captureWriter{})
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
}

func TestStream_DisconnectDuringGrace(t *testing.T) {
	store := jobs.NewStore()
	opts := fastOptions()
	opts.GraceTimeout = time.Minute
	streamer := NewStreamer(store, opts, nil)
	w := &captureWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := runStream(ctx, streamer, "never", w)
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
	assert.Empty(t, w.snapshot())
}

func TestStream_WriteFailureEndsSubscription(t *testing.T) {
	store := jobs.NewStore()
	_, err := store.Create("job", 2)
	require.NoError(t, err)
	streamer := NewStreamer(store, fastOptions(), nil)

	err = streamer.Stream(context.Background(), "job", &captureWriter{failOn: 1})
	assert.Error(t, err)
}

func TestStream_NoDuplicateEvents(t *testing.T) {
	store := jobs.NewStore()
	defer store.Close()
	machine := jobs.NewMachine(store, nil)
	_, err := store.Create("job", 2)
	require.NoError(t, err)
	streamer := NewStreamer(store, fastOptions(), nil)
	w := &captureWriter{}
	ctx := context.Background()

	done := runStream(ctx, streamer, "job", w)

	_, err = machine.Advance(ctx, "job", stages.Validating)
	require.NoError(t, err)
	_, err = machine.Advance(ctx, "job", stages.LoadingInput)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = machine.Advance(ctx, "job", stages.LoadingInput, jobs.WithInput(types.Dimensions{Width: 8, Height: 8}))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	store.Remove("job")
	require.NoError(t, waitDone(t, done))

	seen := map[string]int{}
	for _, ev := range w.progress() {
		seen[ev.Stage]++
	}
	for stage, n := range seen {
		assert.Equal(t, 1, n, "stage %s delivered %d times", stage, n)
	}
	assert.Equal(t, 1, seen["loading_input"])
}

func TestStream_ReusedIDEndsOldSubscription(t *testing.T) {
	store := jobs.NewStore()
	_, err := store.Create("job", 2)
	require.NoError(t, err)
	streamer := NewStreamer(store, fastOptions(), nil)
	w := &captureWriter{}

	done := runStream(context.Background(), streamer, "job", w)
	time.Sleep(20 * time.Millisecond)

	// Recreate between two polls so the subscriber may see the new generation
	store.Remove("job")
	_, err = store.Create("job", 4)
	require.NoError(t, err)

	require.NoError(t, waitDone(t, done))
	for _, ev := range w.progress() {
		assert.Equal(t, 2, ev.Scale, "event from the new job leaked into the old subscription")
	}
}
