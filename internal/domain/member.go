package domain

import "time"

// ConnID is the opaque handle the transport issues for one client link.
type ConnID string

func (c ConnID) String() string {
	return string(c)
}

type Member struct {
	Conn     ConnID    `json:"conn"`
	JoinedAt time.Time `json:"joinedAt"`
}

func NewMember(conn ConnID, joinedAt time.Time) Member {
	return Member{
		Conn:     conn,
		JoinedAt: joinedAt,
	}
}
