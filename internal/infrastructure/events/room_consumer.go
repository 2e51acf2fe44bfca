package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/contracts"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/messaging"
)

var errEmptyEvent = errors.New("room event without id")

// RoomConsumer writes every room lifecycle event to the audit log.
type RoomConsumer struct {
	broker messaging.Broker
	repo   domain.RoomAuditRepository
	logger logging.Logger
}

func NewRoomConsumer(broker messaging.Broker, repo domain.RoomAuditRepository, logger logging.Logger) *RoomConsumer {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &RoomConsumer{
		broker: broker,
		repo:   repo,
		logger: logger,
	}
}

func (c *RoomConsumer) Listen(ctx context.Context) error {
	return c.broker.Consume(ctx, c.handle)
}

func (c *RoomConsumer) handle(ctx context.Context, routingKey string, msg contracts.AmqpMessage) error {
	var payload messaging.RoomEventData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.logger.Warn(logging.RabbitMQ, logging.Consume, "failed to unmarshal room event", map[logging.ExtraKey]any{
			logging.RoutingKey:   routingKey,
			logging.ErrorMessage: err.Error(),
		})
		return err
	}

	if payload.Event.ID == "" {
		return errEmptyEvent
	}

	if err := c.repo.Log(ctx, &payload.Event); err != nil {
		c.logger.Error(logging.MongoDB, logging.Consume, "failed to write audit log", map[logging.ExtraKey]any{
			logging.RoutingKey:   routingKey,
			logging.RoomID:       payload.Event.RoomID,
			logging.ErrorMessage: err.Error(),
		})
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	c.logger.Debug(logging.RabbitMQ, logging.Consume, "room event recorded", map[logging.ExtraKey]any{
		logging.RoutingKey: routingKey,
		logging.RoomID:     payload.Event.RoomID,
	})

	return nil
}
