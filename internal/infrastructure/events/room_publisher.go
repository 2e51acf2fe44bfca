package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/contracts"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/messaging"
)

const drainTimeout = 2 * time.Second

var routingKeys = map[domain.RoomEventType]string{
	domain.EventRoomCreated:        contracts.EventRoomCreated,
	domain.EventRoomDeleted:        contracts.EventRoomDeleted,
	domain.EventMemberJoined:       contracts.EventMemberJoined,
	domain.EventMemberLeft:         contracts.EventMemberLeft,
	domain.EventReshuffleCompleted: contracts.EventReshuffleCompleted,
}

// RoomPublisher turns matchmaking lifecycle callbacks into broker messages.
// Callbacks only enqueue; Run does the publishing, so a slow broker never
// holds up matchmaking. When the queue is full events are dropped.
type RoomPublisher struct {
	broker messaging.Broker
	queue  chan *domain.RoomAuditLog
	logger logging.Logger
}

func NewRoomPublisher(broker messaging.Broker, queueSize int, logger logging.Logger) *RoomPublisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &RoomPublisher{
		broker: broker,
		queue:  make(chan *domain.RoomAuditLog, queueSize),
		logger: logger,
	}
}

func (p *RoomPublisher) RoomCreated(room domain.Room, at time.Time) {
	p.enqueue(domain.NewRoomCreatedLog(room.ID, room.SharedResource, at))
}

func (p *RoomPublisher) RoomDeleted(roomID string, memberCount int, reason string, at time.Time) {
	p.enqueue(domain.NewRoomDeletedLog(roomID, reason, memberCount, at))
}

func (p *RoomPublisher) MemberJoined(room domain.Room, conn domain.ConnID, rejoined bool, at time.Time) {
	p.enqueue(domain.NewMemberJoinedLog(room.ID, conn, room.Size(), rejoined, at))
}

func (p *RoomPublisher) MemberLeft(room domain.Room, conn domain.ConnID, at time.Time) {
	p.enqueue(domain.NewMemberLeftLog(room.ID, conn, room.Size(), at))
}

func (p *RoomPublisher) ReshuffleCompleted(rooms, connections, unassigned int, at time.Time) {
	p.enqueue(domain.NewReshuffleCompletedLog(rooms, connections, unassigned, at))
}

func (p *RoomPublisher) enqueue(log *domain.RoomAuditLog) {
	select {
	case p.queue <- log:
	default:
		p.logger.Warn(logging.RabbitMQ, logging.Publish, "event queue full, dropping event", map[logging.ExtraKey]any{
			logging.EventType: log.EventType,
			logging.RoomID:    log.RoomID,
		})
	}
}

// Run publishes queued events until ctx is done, then makes one bounded
// attempt to flush whatever is still queued.
func (p *RoomPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case log := <-p.queue:
			p.publishLogged(ctx, log)
		}
	}
}

func (p *RoomPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case log := <-p.queue:
			p.publishLogged(ctx, log)
		default:
			return
		}
	}
}

func (p *RoomPublisher) publishLogged(ctx context.Context, log *domain.RoomAuditLog) {
	if err := p.Publish(ctx, log); err != nil {
		p.logger.Error(logging.RabbitMQ, logging.Publish, "failed to publish room event", map[logging.ExtraKey]any{
			logging.EventType:    log.EventType,
			logging.RoomID:       log.RoomID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func (p *RoomPublisher) Publish(ctx context.Context, log *domain.RoomAuditLog) error {
	routingKey, ok := routingKeys[log.EventType]
	if !ok {
		return fmt.Errorf("no routing key for event %q", log.EventType)
	}

	roomEventJSON, err := json.Marshal(messaging.RoomEventData{Event: *log})
	if err != nil {
		return err
	}

	return p.broker.Publish(ctx, routingKey, contracts.AmqpMessage{
		RoomID: log.RoomID,
		Data:   roomEventJSON,
	})
}
