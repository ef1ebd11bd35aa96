package intake

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deliveryhero/asya/asya-upscaler/internal/queue"
	"github.com/deliveryhero/asya/asya-upscaler/internal/upscale"
	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

const (
	resultPublishTimeout = 10 * time.Second
	receiveBackoff       = time.Second
)

// Consumer starts upscale jobs from queued requests and publishes their results
type Consumer struct {
	client      queue.Client
	service     *upscale.Service
	queueName   string
	resultQueue string
	now         func() time.Time
	backoff     time.Duration

	wg sync.WaitGroup
}

// NewConsumer creates a consumer for queueName. Results go to resultQueue unless it is empty.
func NewConsumer(client queue.Client, service *upscale.Service, queueName, resultQueue string) *Consumer {
	return &Consumer{
		client:      client,
		service:     service,
		queueName:   queueName,
		resultQueue: resultQueue,
		now:         time.Now,
		backoff:     receiveBackoff,
	}
}

// Run consumes until ctx is cancelled, then waits for pending result publications
func (c *Consumer) Run(ctx context.Context) {
	slog.Info("Starting intake consumer", "queue", c.queueName, "results", c.resultQueue)

	for {
		msg, err := c.client.Receive(ctx, c.queueName)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, queue.ErrPoolClosed) {
				slog.Error("Queue client closed, stopping intake", "queue", c.queueName)
				break
			}
			slog.Error("Error receiving from queue", "queue", c.queueName, "error", err, "retry_in", c.backoff)
			if !c.wait(ctx) {
				break
			}
			continue
		}

		slog.Debug("Received upscale request", "queue", c.queueName, "bytes", len(msg.Body()))
		c.processMessage(ctx, msg)
	}

	slog.Info("Stopping intake consumer", "queue", c.queueName)
	c.wg.Wait()
}

// wait sleeps for the receive backoff; false means ctx ended first
func (c *Consumer) wait(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg queue.QueueMessage) {
	req, err := decodeRequest(msg.Body())
	if err != nil {
		slog.Error("Rejecting malformed upscale request", "error", err)
		if err := c.client.Nack(ctx, msg, false); err != nil {
			slog.Error("Failed to nack message", "error", err)
		}
		return
	}

	h, err := c.service.Start(ctx, req)
	if err != nil {
		slog.Error("Failed to start queued job", "job", req.JobID, "error", err)
		c.publishResult(ctx, types.ResultMessage{JobID: req.JobID, Error: err.Error()})
		c.ack(ctx, msg)
		return
	}

	// The job now lives in this process; the request is settled.
	c.ack(ctx, msg)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-h.Done()
		res, err := h.Wait(context.Background())
		c.publishResult(ctx, resultMessage(h.ID, res, err))
	}()
}

func (c *Consumer) ack(ctx context.Context, msg queue.QueueMessage) {
	if err := c.client.Ack(ctx, msg); err != nil {
		slog.Error("Failed to ack message", "error", err)
	}
}

func (c *Consumer) publishResult(ctx context.Context, result types.ResultMessage) {
	if c.resultQueue == "" {
		return
	}
	result.Timestamp = c.now().UTC()

	body, err := json.Marshal(result)
	if err != nil {
		slog.Error("Failed to marshal result", "job", result.JobID, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultPublishTimeout)
	defer cancel()

	if err := c.client.Publish(pubCtx, c.resultQueue, body); err != nil {
		slog.Error("Failed to publish result", "job", result.JobID, "queue", c.resultQueue, "error", err)
		return
	}
	slog.Debug("Published result", "job", result.JobID, "success", result.Success)
}

func decodeRequest(body []byte) (upscale.Request, error) {
	var msg types.UpscaleMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return upscale.Request{}, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.ImageBase64 == "" {
		return upscale.Request{}, errors.New("image_base64 is required")
	}

	data, err := base64.StdEncoding.DecodeString(msg.ImageBase64)
	if err != nil {
		return upscale.Request{}, fmt.Errorf("image_base64 is not valid base64: %w", err)
	}

	return upscale.Request{
		JobID:       msg.JobID,
		Filename:    msg.Filename,
		ContentType: msg.ContentType,
		Data:        data,
		Scale:       msg.Scale,
	}, nil
}

func resultMessage(jobID string, res upscale.Result, err error) types.ResultMessage {
	if err != nil {
		return types.ResultMessage{JobID: jobID, Error: err.Error()}
	}
	meta := res.Metadata()
	return types.ResultMessage{
		JobID:    jobID,
		Success:  true,
		Metadata: &meta,
		Image:    base64.StdEncoding.EncodeToString(res.Image),
	}
}
