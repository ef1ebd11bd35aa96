package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumer is a long-lived subscription on a dedicated channel
type consumer struct {
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// RabbitMQClient publishes through a channel pool and keeps one consumer per queue
type RabbitMQClient struct {
	pool        *ChannelPool
	consumers   map[string]*consumer
	consumersMu sync.Mutex
}

// NewRabbitMQClient connects to RabbitMQ with a pool of poolSize channels
func NewRabbitMQClient(url, exchange string, poolSize int) (*RabbitMQClient, error) {
	pool, err := NewChannelPool(url, exchange, poolSize)
	if err != nil {
		return nil, err
	}

	return &RabbitMQClient{
		pool:      pool,
		consumers: make(map[string]*consumer),
	}, nil
}

// Publish sends body to the exchange under routingKey
func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body []byte) error {
	if routingKey == "" {
		return errors.New("routing key is empty")
	}

	return c.pool.With(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx,
			c.pool.Exchange(), // exchange
			routingKey,        // routing key
			false,             // mandatory
			false,             // immediate
			amqp.Publishing{
				DeliveryMode: amqp.Persistent,
				ContentType:  "application/json",
				Body:         body,
			})
		if err != nil {
			return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
		}
		return nil
	})
}

// DeclareQueue declares a durable queue bound to the exchange under its own name
func (c *RabbitMQClient) DeclareQueue(ctx context.Context, queueName string) error {
	return c.pool.With(ctx, func(ch *amqp.Channel) error {
		return declareAndBind(ch, queueName, c.pool.Exchange())
	})
}

func declareAndBind(ch *amqp.Channel, queueName, exchange string) error {
	_, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		queueName, // queue name
		queueName, // routing key (same as queue name)
		exchange,  // exchange
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// rabbitMQMessage keeps the delivery with the channel that must acknowledge it
type rabbitMQMessage struct {
	delivery amqp.Delivery
	channel  *amqp.Channel
}

func (m *rabbitMQMessage) Body() []byte {
	return m.delivery.Body
}

func (m *rabbitMQMessage) DeliveryTag() uint64 {
	return m.delivery.DeliveryTag
}

// consumerFor returns the persistent consumer of a queue, starting it on first use
func (c *RabbitMQClient) consumerFor(ctx context.Context, queueName string) (*consumer, error) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if existing, ok := c.consumers[queueName]; ok {
		return existing, nil
	}

	ch, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel from pool: %w", err)
	}

	if err := declareAndBind(ch, queueName, c.pool.Exchange()); err != nil {
		c.pool.Release(ch)
		return nil, err
	}

	// One unacknowledged upscale at a time per consumer
	if err := ch.Qos(1, 0, false); err != nil {
		c.pool.Release(ch)
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queueName, // queue
		"",        // consumer tag (auto-generated)
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		c.pool.Release(ch)
		return nil, fmt.Errorf("failed to start consume: %w", err)
	}

	cons := &consumer{channel: ch, deliveries: deliveries}
	c.consumers[queueName] = cons
	return cons, nil
}

// Receive waits for the next message on queueName
func (c *RabbitMQClient) Receive(ctx context.Context, queueName string) (QueueMessage, error) {
	cons, err := c.consumerFor(ctx, queueName)
	if err != nil {
		return nil, err
	}

	select {
	case delivery, ok := <-cons.deliveries:
		if !ok {
			c.consumersMu.Lock()
			delete(c.consumers, queueName)
			c.consumersMu.Unlock()
			return nil, errors.New("delivery channel closed")
		}
		return &rabbitMQMessage{delivery: delivery, channel: cons.channel}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack acknowledges a message on the channel it arrived on
func (c *RabbitMQClient) Ack(_ context.Context, msg QueueMessage) error {
	m, ok := msg.(*rabbitMQMessage)
	if !ok {
		return fmt.Errorf("invalid message type: %T", msg)
	}

	if err := m.channel.Ack(m.delivery.DeliveryTag, false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack rejects a message, optionally putting it back on the queue
func (c *RabbitMQClient) Nack(_ context.Context, msg QueueMessage, requeue bool) error {
	m, ok := msg.(*rabbitMQMessage)
	if !ok {
		return fmt.Errorf("invalid message type: %T", msg)
	}

	if err := m.channel.Nack(m.delivery.DeliveryTag, false, requeue); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// Close stops all consumers and closes the pool
func (c *RabbitMQClient) Close() error {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	for queueName, cons := range c.consumers {
		if cons.channel != nil {
			cons.channel.Close()
		}
		delete(c.consumers, queueName)
	}

	return c.pool.Close()
}
