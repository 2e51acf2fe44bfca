package matchmaking

import (
	"time"

	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
)

// rejoinLocked puts a connection back into the room it left less than a
// grace window ago, if that room still exists and has space.
func (s *Service) rejoinLocked(conn domain.ConnID, now time.Time) (domain.Room, bool) {
	d, ok := s.departed[conn]
	if !ok {
		return domain.Room{}, false
	}
	delete(s.departed, conn)

	if now.Sub(d.at) > s.cfg.GraceWindow {
		return domain.Room{}, false
	}
	if err := s.store.Assign(conn, d.roomID); err != nil {
		return domain.Room{}, false
	}
	s.cancelDeletionLocked(d.roomID)

	room, err := s.roomLocked(d.roomID)
	if err != nil {
		return domain.Room{}, false
	}

	s.metrics.GraceRejoin()
	s.logger.Debug(logging.Matchmaking, logging.Grace, "connection rejoined previous room", map[logging.ExtraKey]any{
		logging.ConnID: conn,
		logging.RoomID: room.ID,
	})

	return room, true
}

func (s *Service) pruneDepartedLocked(now time.Time) {
	for conn, d := range s.departed {
		if now.Sub(d.at) > s.cfg.GraceWindow {
			delete(s.departed, conn)
		}
	}
}

// scheduleDeletionLocked arms a timer that deletes roomID once the grace
// window passes, unless someone joins it first.
func (s *Service) scheduleDeletionLocked(roomID string) {
	s.cancelDeletionLocked(roomID)

	s.graceSeq++
	seq := s.graceSeq
	timer := s.clock.AfterFunc(s.cfg.GraceWindow, func() {
		s.expireRoom(roomID, seq)
	})
	s.pending[roomID] = pendingDeletion{timer: timer, seq: seq}
}

func (s *Service) cancelDeletionLocked(roomID string) {
	p, ok := s.pending[roomID]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(s.pending, roomID)
}

func (s *Service) clearGraceLocked() {
	for roomID, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, roomID)
	}
	clear(s.departed)
}

func (s *Service) expireRoom(roomID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A timer that fired after being replaced or cancelled is stale.
	p, ok := s.pending[roomID]
	if !ok || p.seq != seq {
		return
	}
	delete(s.pending, roomID)

	room, exists := s.store.Get(roomID)
	if !exists || !room.IsEmpty() {
		return
	}

	s.deleteRoomLocked(room, domain.DeleteReasonGrace, s.clock.Now())
	s.publishLocked()
}
