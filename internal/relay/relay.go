// Package relay forwards chat messages and signaling between the two members of a session.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus/rpc"
	"github.com/isqad/livelook-roulette/internal/ratelimit"
	"github.com/isqad/livelook-roulette/internal/telemetry"
)

const DefaultSignalBuffer = 32

// ErrUnreachable is returned by an Outbox when the recipient connection is gone
var ErrUnreachable = errors.New("recipient is unreachable")

type Outcome int

const (
	Delivered Outcome = iota
	// Buffered signal waits until the partner is ready
	Buffered
	NotInSession
	PartnerGone
	RateLimited
	// Failed delivery to a partner that is still connected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	case NotInSession:
		return "not_in_session"
	case PartnerGone:
		return "partner_gone"
	case RateLimited:
		return "rate_limited"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outbox sends an outbound RPC to a connected client
type Outbox interface {
	Deliver(to core.ClientID, msg rpc.Rpc) error
}

type Limiter interface {
	AllowAction(ctx context.Context, action ratelimit.Action, id string, rule ratelimit.Rule) (bool, error)
}

type Sessions interface {
	View(id core.ClientID, fn func(core.Session)) bool
}

type Result struct {
	Outcome   Outcome
	Partner   core.ClientID
	SessionID core.SessionID
	// Err is set for Failed
	Err error
}

type peer struct {
	requireReady bool
	ready        bool
	pending      deque.Deque[rpc.Rpc]
}

type Option func(*Relay)

// WithSignalBuffer bounds the number of signals kept for a partner that is not ready
func WithSignalBuffer(size int) Option {
	return func(r *Relay) {
		if size > 0 {
			r.bufferSize = size
		}
	}
}

type Relay struct {
	sessions   Sessions
	limiter    Limiter
	rule       ratelimit.Rule
	outbox     Outbox
	bufferSize int

	lock  sync.Mutex
	peers map[core.ClientID]*peer
}

func New(sessions Sessions, limiter Limiter, rule ratelimit.Rule, outbox Outbox, options ...Option) *Relay {
	r := &Relay{
		sessions:   sessions,
		limiter:    limiter,
		rule:       rule,
		outbox:     outbox,
		bufferSize: DefaultSignalBuffer,
		peers:      make(map[core.ClientID]*peer),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Open prepares signaling for a freshly paired client. With requireReady its
// incoming signals are held until MarkReady.
func (r *Relay) Open(id core.ClientID, requireReady bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.peers[id] = &peer{requireReady: requireReady}
}

// Close drops the signaling state of id together with undelivered signals
func (r *Relay) Close(id core.ClientID) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.peers, id)
}

// Forward relays msg from a client to its partner. Payloads are not inspected.
func (r *Relay) Forward(ctx context.Context, from core.ClientID, msg rpc.Rpc) Result {
	res := r.forward(ctx, from, msg)
	telemetry.RelayOutcomes.WithLabelValues(res.Outcome.String()).Inc()

	return res
}

func (r *Relay) forward(ctx context.Context, from core.ClientID, msg rpc.Rpc) Result {
	allowed, err := r.limiter.AllowAction(ctx, ratelimit.ActionRelay, string(from), r.rule)
	if !allowed {
		return Result{Outcome: RateLimited}
	}
	if err != nil {
		log.Debug().Err(err).Str("service", "relay").Str("clientID", string(from)).Msg("relay allowed without limiter")
	}

	res := Result{Outcome: NotInSession}
	r.sessions.View(from, func(session core.Session) {
		partner, _ := session.Partner(from)
		res.Partner = partner
		res.SessionID = session.ID

		if msg.GetMethod() == rpc.SignalMethod && r.hold(partner, msg) {
			res.Outcome = Buffered
			return
		}

		if err := r.outbox.Deliver(partner, msg); err != nil {
			log.Debug().Err(err).Str("service", "relay").Str("clientID", string(partner)).Msg("delivery failed")
			if errors.Is(err, ErrUnreachable) {
				res.Outcome = PartnerGone
				return
			}
			res.Outcome = Failed
			res.Err = err
			return
		}
		res.Outcome = Delivered
	})

	return res
}

// hold buffers a signal for a partner that is not ready yet
func (r *Relay) hold(to core.ClientID, msg rpc.Rpc) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	p, ok := r.peers[to]
	if !ok || !p.requireReady || p.ready {
		return false
	}

	if p.pending.Len() >= r.bufferSize {
		p.pending.PopFront()
		log.Warn().Str("service", "relay").Str("clientID", string(to)).Msg("signal buffer is full, dropping the oldest signal")
	}
	p.pending.PushBack(msg)

	return true
}

// MarkReady flushes the signals held for id. It returns the number of flushed signals
// and false when id is not in a session.
func (r *Relay) MarkReady(id core.ClientID) (int, bool) {
	flushed := 0
	inSession := r.sessions.View(id, func(core.Session) {
		r.lock.Lock()
		defer r.lock.Unlock()

		p, ok := r.peers[id]
		if !ok {
			return
		}
		p.ready = true

		for p.pending.Len() > 0 {
			if err := r.outbox.Deliver(id, p.pending.PopFront()); err != nil {
				log.Debug().Err(err).Str("service", "relay").Str("clientID", string(id)).Msg("flush failed")
				break
			}
			flushed++
		}
		p.pending.Clear()
	})

	return flushed, inSession
}

// Pending is the number of signals held for id
func (r *Relay) Pending(id core.ClientID) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	if p, ok := r.peers[id]; ok {
		return p.pending.Len()
	}
	return 0
}
