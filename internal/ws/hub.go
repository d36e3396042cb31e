package ws

import (
	"fmt"
	"sync"

	"github.com/isqad/melody"

	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus/rpc"
	"github.com/isqad/livelook-roulette/internal/relay"
)

// Hub maps connected clients to their websocket sessions
type Hub struct {
	lock     sync.RWMutex
	sessions map[core.ClientID]*melody.Session
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[core.ClientID]*melody.Session),
	}
}

func (h *Hub) Add(id core.ClientID, session *melody.Session) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.sessions[id] = session
}

func (h *Hub) Remove(id core.ClientID) {
	h.lock.Lock()
	defer h.lock.Unlock()

	delete(h.sessions, id)
}

func (h *Hub) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return len(h.sessions)
}

// Deliver writes msg to the client. It never blocks on the network.
func (h *Hub) Deliver(to core.ClientID, msg rpc.Rpc) error {
	h.lock.RLock()
	session, ok := h.sessions[to]
	h.lock.RUnlock()

	if !ok {
		return relay.ErrUnreachable
	}

	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}
	if err := session.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", relay.ErrUnreachable, err)
	}
	return nil
}
