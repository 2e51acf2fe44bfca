package messaging

import (
	"context"

	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/contracts"
)

const (
	RoomsQueue      = "rooms"
	DeadLetterQueue = "dead_letter_queue"
)

type RoomEventData struct {
	Event domain.RoomAuditLog `json:"event"`
}

// Handler processes one delivery. A non-nil error rejects it.
type Handler func(ctx context.Context, routingKey string, msg contracts.AmqpMessage) error

// Broker moves room lifecycle events between the publisher and consumers.
type Broker interface {
	Publish(ctx context.Context, routingKey string, msg contracts.AmqpMessage) error
	// Consume blocks until ctx is done or the subscription fails.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
