package progress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

func TestNewReporter(t *testing.T) {
	reporter := NewReporter("http://gateway:8080/", "asya-upscaler")

	if reporter == nil {
		t.Fatal("NewReporter returned nil")
	}

	if reporter.webhookURL != "http://gateway:8080" {
		t.Errorf("webhookURL = %v, want http://gateway:8080", reporter.webhookURL)
	}

	if reporter.httpClient.Timeout != 5*time.Second {
		t.Errorf("httpClient timeout = %v, want 5s", reporter.httpClient.Timeout)
	}

	if reporter.Name() != "webhook" {
		t.Errorf("Name() = %v, want webhook", reporter.Name())
	}
}

func TestPublish_Success(t *testing.T) {
	var receivedRequests atomic.Int32
	var received ProgressUpdate

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedRequests.Add(1)

		if r.Method != http.MethodPost {
			t.Errorf("Method = %v, want POST", r.Method)
		}

		if r.URL.Path != "/jobs/test-job-123/progress" {
			t.Errorf("Path = %v, want /jobs/test-job-123/progress", r.URL.Path)
		}

		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %v, want application/json", r.Header.Get("Content-Type"))
		}

		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reporter := NewReporter(server.URL, "asya-upscaler")

	event := types.ProgressEvent{
		Stage:           "processing",
		Description:     "Running AI upscaling (this may take a while)",
		Progress:        40,
		Timestamp:       time.Now(),
		JobID:           "test-job-123",
		Scale:           4,
		InputDimensions: &types.Dimensions{Width: 16, Height: 16},
	}

	if err := reporter.Publish(context.Background(), event); err != nil {
		t.Errorf("Publish returned error: %v", err)
	}

	if receivedRequests.Load() != 1 {
		t.Errorf("Received %d requests, want 1", receivedRequests.Load())
	}

	if received.Step != "processing" {
		t.Errorf("Received step = %v, want processing", received.Step)
	}
	if received.StepIndex != 5 || received.TotalSteps != 9 {
		t.Errorf("Received step position = %d/%d, want 5/9", received.StepIndex, received.TotalSteps)
	}
	if received.Status != StatusProcessing {
		t.Errorf("Received status = %v, want processing", received.Status)
	}
	if received.Source != "asya-upscaler" {
		t.Errorf("Received source = %v, want asya-upscaler", received.Source)
	}
	if received.ProgressPercent != 40 {
		t.Errorf("Received progress = %v, want 40", received.ProgressPercent)
	}
	if received.Input != "16x16" || received.Output != "" {
		t.Errorf("Received dimensions = (%q, %q), want (16x16, empty)", received.Input, received.Output)
	}
}

func TestPublish_EmptyJobID(t *testing.T) {
	var requestReceived atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestReceived.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reporter := NewReporter(server.URL, "asya-upscaler")

	if err := reporter.Publish(context.Background(), types.ProgressEvent{Stage: "validating"}); err != nil {
		t.Errorf("Publish returned error: %v", err)
	}

	if requestReceived.Load() {
		t.Error("Request was sent despite empty job_id")
	}
}

func TestPublish_EscapesJobID(t *testing.T) {
	paths := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reporter := NewReporter(server.URL, "asya-upscaler")

	event := types.ProgressEvent{JobID: "a/../../x", Stage: "validating", Progress: 5}
	if err := reporter.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	want := "/jobs/a%2F..%2F..%2Fx/progress"
	if got := <-paths; got != want {
		t.Errorf("Path = %v, want %v", got, want)
	}
}

func TestPublish_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
	}))
	defer server.Close()

	reporter := NewReporter(server.URL, "asya-upscaler")

	err := reporter.Publish(context.Background(), types.ProgressEvent{Stage: "validating", JobID: "test-job"})
	if err == nil {
		t.Error("Expected error for 500 response")
	}
}

func TestPublish_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reporter := NewReporter(server.URL, "asya-upscaler")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := reporter.Publish(ctx, types.ProgressEvent{Stage: "validating", JobID: "test-job"}); err == nil {
		t.Error("Expected error when context deadline passes")
	}
}

func TestNewProgressUpdate_Statuses(t *testing.T) {
	tests := []struct {
		stage      string
		wantStatus ProgressStatus
		wantIndex  int
	}{
		{"initializing", StatusProcessing, 0},
		{"encoding", StatusProcessing, 7},
		{"completed", StatusCompleted, 8},
		{"error", StatusFailed, -1},
	}

	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			update := NewProgressUpdate(types.ProgressEvent{Stage: tt.stage, Error: "boom"})
			if update.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", update.Status, tt.wantStatus)
			}
			if update.StepIndex != tt.wantIndex {
				t.Errorf("StepIndex = %d, want %d", update.StepIndex, tt.wantIndex)
			}
		})
	}
}
