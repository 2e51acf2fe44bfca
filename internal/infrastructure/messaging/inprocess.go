package messaging

import (
	"context"
	"sync"

	"github.com/hilthontt/roomshuffle/internal/infrastructure/contracts"
)

type delivery struct {
	routingKey string
	msg        contracts.AmqpMessage
}

// InProcess is a Broker backed by a buffered channel. It serves audit
// logging when no external broker is configured.
type InProcess struct {
	deliveries chan delivery
	done       chan struct{}
	once       sync.Once
}

func NewInProcess(buffer int) *InProcess {
	if buffer <= 0 {
		buffer = 256
	}
	return &InProcess{
		deliveries: make(chan delivery, buffer),
		done:       make(chan struct{}),
	}
}

func (b *InProcess) Publish(ctx context.Context, routingKey string, msg contracts.AmqpMessage) error {
	select {
	case b.deliveries <- delivery{routingKey: routingKey, msg: msg}:
		return nil
	case <-b.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InProcess) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case d := <-b.deliveries:
			_ = handler(ctx, d.routingKey, d.msg)
		}
	}
}

func (b *InProcess) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
