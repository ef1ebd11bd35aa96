package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("channel pool is closed")

// ChannelPool shares one AMQP connection between goroutines.
// AMQP channels are not safe for concurrent use, so each caller borrows its own.
type ChannelPool struct {
	conn     *amqp.Connection
	idle     chan *amqp.Channel
	size     int
	exchange string

	mu     sync.Mutex
	closed bool
}

// NewChannelPool dials url and opens size channels with exchange declared
func NewChannelPool(url, exchange string, size int) (*ChannelPool, error) {
	if size <= 0 {
		size = 10
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	p := &ChannelPool{
		conn:     conn,
		idle:     make(chan *amqp.Channel, size),
		size:     size,
		exchange: exchange,
	}

	for i := 0; i < size; i++ {
		ch, err := p.open()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to open channel %d: %w", i, err)
		}
		p.idle <- ch
	}

	return p, nil
}

// Exchange returns the topic exchange every channel publishes to
func (p *ChannelPool) Exchange() string {
	return p.exchange
}

func (p *ChannelPool) open() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return ch, nil
}

func (p *ChannelPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Acquire borrows a channel, waiting for one to be released if all are in use
func (p *ChannelPool) Acquire(ctx context.Context) (*amqp.Channel, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case ch, ok := <-p.idle:
		if !ok {
			return nil, ErrPoolClosed
		}
		if ch.IsClosed() {
			// Broker closed it after an error; replace it
			fresh, err := p.open()
			if err != nil {
				return nil, fmt.Errorf("failed to reopen channel: %w", err)
			}
			return fresh, nil
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release hands a borrowed channel back
func (p *ChannelPool) Release(ch *amqp.Channel) {
	if ch == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch.Close()
		return
	}

	select {
	case p.idle <- ch:
	default:
		ch.Close()
	}
}

// With runs fn on a borrowed channel
func (p *ChannelPool) With(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(ch)
	return fn(ch)
}

// Close closes every idle channel and the connection
func (p *ChannelPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	close(p.idle)
	for ch := range p.idle {
		if ch != nil && !ch.IsClosed() {
			ch.Close()
		}
	}

	if p.conn != nil && !p.conn.IsClosed() {
		return p.conn.Close()
	}
	return nil
}

// Idle returns the number of channels not currently borrowed
func (p *ChannelPool) Idle() int {
	return len(p.idle)
}

// Capacity returns the pool size
func (p *ChannelPool) Capacity() int {
	return p.size
}
