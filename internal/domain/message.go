package domain

import (
	"time"
)

// Message is a relayed room message. The text is passed through untouched.
type Message struct {
	RoomID string    `json:"roomId"`
	From   ConnID    `json:"from"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

func NewMessage(roomID string, from ConnID, text string, sentAt time.Time) (*Message, error) {
	if roomID == "" || from == "" {
		return nil, ErrInvalidInput
	}

	return &Message{
		RoomID: roomID,
		From:   from,
		Text:   text,
		SentAt: sentAt,
	}, nil
}
