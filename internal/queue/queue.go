package queue

import "context"

// QueueMessage represents a message received from a queue
type QueueMessage interface {
	Body() []byte
	DeliveryTag() uint64
}

// Publisher sends a message body under a routing key
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Client defines the interface for sending and receiving messages from queues
type Client interface {
	Publisher
	Receive(ctx context.Context, queueName string) (QueueMessage, error)
	Ack(ctx context.Context, msg QueueMessage) error
	Nack(ctx context.Context, msg QueueMessage, requeue bool) error
	Close() error
}
