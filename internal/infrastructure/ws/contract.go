package ws

import (
	"time"

	"github.com/hilthontt/roomshuffle/internal/domain"
)

type WSMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Payload structs
type RoomJoinedPayload struct {
	RoomID          string    `json:"roomId"`
	SharedResource  string    `json:"sharedResource,omitempty"`
	NextReshuffleAt time.Time `json:"nextReshuffleAt,omitzero"`
}

type RoomMessagePayload struct {
	From   string    `json:"from"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

type ErrorPayload struct {
	Code         string `json:"code,omitempty"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func NewRoomJoined(room domain.Room, nextReshuffleAt time.Time) *WSMessage {
	return &WSMessage{
		Type:   RoomJoined,
		RoomID: room.ID,
		Data: RoomJoinedPayload{
			RoomID:          room.ID,
			SharedResource:  room.SharedResource,
			NextReshuffleAt: nextReshuffleAt,
		},
	}
}

func NewRoomsUpdate(summary []domain.RoomSummary) *WSMessage {
	if summary == nil {
		summary = []domain.RoomSummary{}
	}
	return &WSMessage{
		Type: RoomsUpdate,
		Data: summary,
	}
}

func NewRoomMessage(msg *domain.Message) *WSMessage {
	return &WSMessage{
		Type:   RoomMessage,
		RoomID: msg.RoomID,
		Data: RoomMessagePayload{
			From:   msg.From.String(),
			Text:   msg.Text,
			SentAt: msg.SentAt,
		},
	}
}

func NewReshuffleTriggered() *WSMessage {
	return &WSMessage{Type: ReshuffleTriggered}
}

// NewUnplaced tells a connection that a reshuffle left it without a room.
// It follows reshuffle.triggered in place of room.joined.
func NewUnplaced() *WSMessage {
	return &WSMessage{
		Type: NotInRoom,
		Data: ErrorPayload{
			Code:    "UNPLACED",
			Message: "too few players for a room; you will be placed on the next reshuffle",
		},
	}
}

func NewNotInRoom() *WSMessage {
	return &WSMessage{
		Type: NotInRoom,
		Data: ErrorPayload{
			Code:    "NOT_IN_ROOM",
			Message: "you are not in a room yet; the message was not delivered",
		},
	}
}

func NewRateLimited(retryAfter time.Duration) *WSMessage {
	return &WSMessage{
		Type: RateLimited,
		Data: ErrorPayload{
			Code:         "RATE_LIMITED",
			Message:      "too many messages",
			RetryAfterMs: retryAfter.Milliseconds(),
		},
	}
}
