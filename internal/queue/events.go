package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// EventRoutingPrefix prefixes the routing key of stage events; the stage name follows it
const EventRoutingPrefix = "upscale.progress."

// EventPublisher forwards stage changes to a RabbitMQ topic exchange
type EventPublisher struct {
	publisher Publisher
}

// NewEventPublisher creates a stage event sink over publisher
func NewEventPublisher(publisher Publisher) *EventPublisher {
	return &EventPublisher{publisher: publisher}
}

// Name identifies the sink in logs and metrics
func (p *EventPublisher) Name() string {
	return "rabbitmq"
}

// Publish sends one stage event; the routing key carries the stage so consumers can bind to terminal stages only
func (p *EventPublisher) Publish(ctx context.Context, event types.ProgressEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	return p.publisher.Publish(ctx, EventRoutingPrefix+event.Stage, body)
}
