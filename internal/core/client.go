package core

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ClientID identifies one physical connection. It is never reused.
type ClientID string

// NewClientID generates an opaque identifier for a fresh connection
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// Kind is the matchmaking category a client asked for, e.g. "text" or "video".
// Clients are matched only within the same kind.
type Kind string

// Lane is a balancing sub-bucket inside a kind
type Lane int

const (
	LaneA Lane = 0
	LaneB Lane = 1
)

func (l Lane) String() string {
	switch l {
	case LaneA:
		return "A"
	case LaneB:
		return "B"
	default:
		return strconv.Itoa(int(l))
	}
}

// Client is a transient participant of the matchmaking
type Client struct {
	ID          ClientID  `json:"id"`
	Kind        Kind      `json:"kind"`
	DisplayName string    `json:"display_name,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
	Lane        Lane      `json:"lane"`
}
