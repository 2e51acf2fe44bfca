package matchmaking

import (
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ws"
)

// RosterPublisher pushes the public room summary to every connected client.
type RosterPublisher struct {
	store     domain.RoomStore
	transport Transport
}

func NewRosterPublisher(store domain.RoomStore, transport Transport) *RosterPublisher {
	return &RosterPublisher{
		store:     store,
		transport: transport,
	}
}

// Publish broadcasts the current snapshot and returns it.
func (p *RosterPublisher) Publish() []domain.RoomSummary {
	summary := p.store.SnapshotSummary()
	p.transport.Broadcast(ws.NewRoomsUpdate(summary))
	return summary
}
