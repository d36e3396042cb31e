package service

import (
	"sync"
	"time"

	"github.com/isqad/livelook-roulette/internal/core"
)

type liveSession struct {
	lock    sync.RWMutex
	session core.Session
	ended   bool
}

// SessionRegistry хранит все активные сессии, по записи на каждого участника
type SessionRegistry struct {
	lock       sync.RWMutex
	sessions   map[core.ClientID]*liveSession
	onRegister func(core.Session)
}

type RegistryOption func(*SessionRegistry)

// WithRegisterHook runs fn for every registered session before any View can see it
func WithRegisterHook(fn func(core.Session)) RegistryOption {
	return func(r *SessionRegistry) {
		r.onRegister = fn
	}
}

func NewSessionRegistry(options ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions: make(map[core.ClientID]*liveSession),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Create pairs a and b in a new session
func (r *SessionRegistry) Create(a, b core.ClientID, kind core.Kind) (core.Session, error) {
	session := core.NewSession(kind, a, b)
	if err := r.Register(session); err != nil {
		return core.Session{}, err
	}
	return session, nil
}

// Register makes session live. Neither member may be in another live session.
func (r *SessionRegistry) Register(session core.Session) error {
	if session.MemberA == session.MemberB {
		return core.ErrSameClient
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.sessions[session.MemberA]; ok {
		return core.ErrAlreadyPaired
	}
	if _, ok := r.sessions[session.MemberB]; ok {
		return core.ErrAlreadyPaired
	}

	live := &liveSession{session: session}
	r.sessions[session.MemberA] = live
	r.sessions[session.MemberB] = live

	if r.onRegister != nil {
		r.onRegister(session)
	}

	return nil
}

// Lookup returns the live session of id
func (r *SessionRegistry) Lookup(id core.ClientID) (core.Session, bool) {
	r.lock.RLock()
	live, ok := r.sessions[id]
	r.lock.RUnlock()

	if !ok {
		return core.Session{}, false
	}

	live.lock.RLock()
	defer live.lock.RUnlock()

	if live.ended {
		return core.Session{}, false
	}
	return live.session, true
}

// Has reports whether id is a member of a live session
func (r *SessionRegistry) Has(id core.ClientID) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.sessions[id]
	return ok
}

// End removes the session of id for both members. Only the first call reports true.
// It waits for the View calls running on that session.
func (r *SessionRegistry) End(id core.ClientID) (core.Session, bool) {
	r.lock.Lock()
	live, ok := r.sessions[id]
	if ok {
		delete(r.sessions, live.session.MemberA)
		delete(r.sessions, live.session.MemberB)
	}
	r.lock.Unlock()

	if !ok {
		return core.Session{}, false
	}

	live.lock.Lock()
	defer live.lock.Unlock()

	live.ended = true
	endedAt := time.Now().UTC()
	live.session.EndedAt = &endedAt

	return live.session, true
}

// View runs fn with the session of id while the session cannot end.
// Views of the same session run concurrently. It reports false when id has no live session.
func (r *SessionRegistry) View(id core.ClientID, fn func(core.Session)) bool {
	r.lock.RLock()
	live, ok := r.sessions[id]
	r.lock.RUnlock()

	if !ok {
		return false
	}

	live.lock.RLock()
	defer live.lock.RUnlock()

	if live.ended {
		return false
	}
	fn(live.session)
	return true
}

// CountMessage increments the relayed messages counter of the session of id and
// runs then, if set, with the updated session before it can end
func (r *SessionRegistry) CountMessage(id core.ClientID, then func(core.Session)) bool {
	r.lock.RLock()
	live, ok := r.sessions[id]
	r.lock.RUnlock()

	if !ok {
		return false
	}

	live.lock.Lock()
	defer live.lock.Unlock()

	if live.ended {
		return false
	}
	live.session.MessagesCount++
	if then != nil {
		then(live.session)
	}
	return true
}

// Count is the number of live sessions
func (r *SessionRegistry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.sessions) / 2
}
