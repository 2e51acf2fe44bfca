package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hilthontt/roomshuffle/internal/infrastructure/contracts"
	"github.com/nats-io/nats.go"
)

const (
	natsSubjectPrefix = "roomshuffle."
	natsQueueGroup    = "audit"
)

type NATS struct {
	conn *nats.Conn
}

func NewNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("roomshuffle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATS{conn: nc}, nil
}

func (n *NATS) Publish(_ context.Context, routingKey string, msg contracts.AmqpMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return n.conn.Publish(natsSubjectPrefix+routingKey, body)
}

// Consume joins the audit queue group so several instances share the load.
// Core NATS has no redelivery, so handler errors only drop the message.
func (n *NATS) Consume(ctx context.Context, handler Handler) error {
	sub, err := n.conn.QueueSubscribe(natsSubjectPrefix+">", natsQueueGroup, func(m *nats.Msg) {
		var msg contracts.AmqpMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		_ = handler(ctx, strings.TrimPrefix(m.Subject, natsSubjectPrefix), msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	<-ctx.Done()
	return sub.Unsubscribe()
}

func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
