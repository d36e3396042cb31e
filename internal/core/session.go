package core

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

// NewSessionID generates a unique session identifier
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Session is one active 1:1 pairing between two clients
type Session struct {
	ID            SessionID  `json:"id" db:"id"`
	Kind          Kind       `json:"kind" db:"kind"`
	MemberA       ClientID   `json:"member_a" db:"member_a"`
	MemberB       ClientID   `json:"member_b" db:"member_b"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	MessagesCount int        `json:"messages_count" db:"messages_count"`
}

// NewSession builds a session record for the given members
func NewSession(kind Kind, memberA, memberB ClientID) Session {
	return Session{
		ID:        NewSessionID(),
		Kind:      kind,
		MemberA:   memberA,
		MemberB:   memberB,
		CreatedAt: time.Now().UTC(),
	}
}

// Has reports whether id is one of the members
func (s Session) Has(id ClientID) bool {
	return id != "" && (s.MemberA == id || s.MemberB == id)
}

// Partner returns the other member of the session
func (s Session) Partner(id ClientID) (ClientID, bool) {
	switch id {
	case s.MemberA:
		return s.MemberB, true
	case s.MemberB:
		return s.MemberA, true
	default:
		return "", false
	}
}
