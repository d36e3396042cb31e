// Package lifecycle drives every connected client through
// Idle -> Waiting -> Paired -> (Waiting | Idle | Disconnected).
//
// The join -> match -> register sequence, next, leave and disconnect run under
// a mutex of the affected kind, so two concurrent joins can never both claim the
// same waiting partner. Outbound notifications are collected while the locks are
// held and dispatched after they are released. Mirror events are emitted in place,
// so they keep the order of the session changes.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus"
	"github.com/isqad/livelook-roulette/internal/eventbus/rpc"
	"github.com/isqad/livelook-roulette/internal/matching"
	"github.com/isqad/livelook-roulette/internal/ratelimit"
	"github.com/isqad/livelook-roulette/internal/relay"
	"github.com/isqad/livelook-roulette/internal/service"
	"github.com/isqad/livelook-roulette/internal/telemetry"
)

type State int

const (
	Disconnected State = iota
	Idle
	Waiting
	Paired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Paired:
		return "paired"
	default:
		return "disconnected"
	}
}

// Emitter receives mirrored session events
type Emitter interface {
	Emit(e eventbus.Event)
}

type KindConfig struct {
	Kind         core.Kind
	Policy       matching.Policy
	RequireReady bool
}

type Limits struct {
	Join  ratelimit.Rule
	Relay ratelimit.Rule
	Next  ratelimit.Rule
}

// DefaultAvoidWindow is how long requeued members of an ended session are kept apart
const DefaultAvoidWindow = 10 * time.Second

type Config struct {
	Kinds        []KindConfig
	Limits       Limits
	SignalBuffer int
	AvoidWindow  time.Duration
}

type clientState struct {
	id          core.ClientID
	displayName string
	state       State
	kind        core.Kind
	waitStart   time.Time
	attached    bool
}

// activeKind is the kind whose lock guards the client, empty when it is neither waiting nor paired
func (st *clientState) activeKind() core.Kind {
	if st.state == Waiting || st.state == Paired {
		return st.kind
	}
	return ""
}

type Controller struct {
	pool     *matching.Pool
	matcher  *matching.Matcher
	registry *service.SessionRegistry
	relay    *relay.Relay
	limiter  relay.Limiter
	outbox   relay.Outbox
	mirror   Emitter
	limits   Limits

	avoidWindow time.Duration

	kinds     map[core.Kind]KindConfig
	kindLocks map[core.Kind]*sync.Mutex

	lock    sync.RWMutex
	clients map[core.ClientID]*clientState
}

func NewController(cfg Config, limiter relay.Limiter, outbox relay.Outbox, mirror Emitter) *Controller {
	if mirror == nil {
		mirror = eventbus.Discard{}
	}

	if cfg.AvoidWindow <= 0 {
		cfg.AvoidWindow = DefaultAvoidWindow
	}

	registry := service.NewSessionRegistry(service.WithRegisterHook(func(session core.Session) {
		mirror.Emit(eventbus.NewEvent(eventbus.SessionCreated, session))
	}))
	pool := matching.NewPool(matching.WithPairedCheck(registry.Has))

	policies := make(map[core.Kind]matching.Policy, len(cfg.Kinds))
	kinds := make(map[core.Kind]KindConfig, len(cfg.Kinds))
	kindLocks := make(map[core.Kind]*sync.Mutex, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		policies[k.Kind] = k.Policy
		kinds[k.Kind] = k
		kindLocks[k.Kind] = &sync.Mutex{}
	}

	return &Controller{
		pool:      pool,
		matcher:   matching.NewMatcher(pool, policies),
		registry:  registry,
		relay:     relay.New(registry, limiter, cfg.Limits.Relay, outbox, relay.WithSignalBuffer(cfg.SignalBuffer)),
		limiter:   limiter,
		outbox:    outbox,
		mirror:    mirror,
		limits:    cfg.Limits,
		kinds:     kinds,
		kindLocks: kindLocks,
		clients:   make(map[core.ClientID]*clientState),

		avoidWindow: cfg.AvoidWindow,
	}
}

// Connect registers a new connection in the Idle state
func (c *Controller) Connect(id core.ClientID, displayName string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.clients[id]; ok {
		return core.ErrAlreadyConnected
	}
	c.clients[id] = &clientState{
		id:          id,
		displayName: displayName,
		state:       Idle,
		attached:    true,
	}

	log.Debug().Str("service", "lifecycle").Str("clientID", string(id)).Msg("connected")

	return nil
}

// JoinQueue puts an idle client into the waiting pool of kind and tries to match it.
// A paired client leaves its session first, its partner is requeued.
func (c *Controller) JoinQueue(ctx context.Context, id core.ClientID, kind core.Kind) error {
	if _, ok := c.kinds[kind]; !ok {
		return core.ErrUnknownKind
	}
	if !c.allow(ctx, ratelimit.ActionJoin, id, c.limits.Join) {
		return core.ErrRateLimited
	}

	out := &outbound{}
	defer c.dispatch(out)

	st, unlock, err := c.lockClient(id, kind)
	if err != nil {
		return err
	}
	defer unlock()

	c.lock.RLock()
	state, current := st.state, st.kind
	c.lock.RUnlock()

	switch state {
	case Waiting:
		return core.ErrAlreadyQueuedOrPaired
	case Paired:
		c.teardownLocked(st, current, false, out)
	}

	return c.enqueueLocked(st, kind, "", out)
}

// Next ends the current session and requeues both members, or restarts the wait
// of a waiting client. A restarted wait no longer avoids the last partner.
func (c *Controller) Next(ctx context.Context, id core.ClientID) error {
	if !c.allow(ctx, ratelimit.ActionNext, id, c.limits.Next) {
		return core.ErrRateLimited
	}

	out := &outbound{}
	defer c.dispatch(out)

	st, unlock, err := c.lockClient(id, "")
	if err != nil {
		return err
	}
	defer unlock()

	c.lock.Lock()
	state, kind := st.state, st.kind
	if state == Waiting {
		st.waitStart = time.Now().UTC()
	}
	c.lock.Unlock()

	switch state {
	case Paired:
		c.teardownLocked(st, kind, true, out)
	case Waiting:
		c.pool.ClearAvoid(id)
		c.matchLocked(kind, out)
		c.sendWaitingLocked(st, kind, out)
	default:
		return core.ErrInvalidState
	}
	return nil
}

// Leave returns the client to Idle without closing the connection
func (c *Controller) Leave(id core.ClientID) error {
	out := &outbound{}
	defer c.dispatch(out)

	st, unlock, err := c.lockClient(id, "")
	if err != nil {
		return err
	}
	defer unlock()

	c.lock.RLock()
	state, kind := st.state, st.kind
	c.lock.RUnlock()

	switch state {
	case Waiting:
		c.pool.Dequeue(id)
		c.lock.Lock()
		st.state = Idle
		c.lock.Unlock()
		c.matchLocked(kind, out)
	case Paired:
		c.teardownLocked(st, kind, false, out)
	}

	out.send(id, rpc.NewIdleStatusRpc())
	return nil
}

// Disconnect removes the client for good. Only the first call for a connection
// has an effect and reports true.
func (c *Controller) Disconnect(id core.ClientID) bool {
	out := &outbound{}
	defer c.dispatch(out)

	for {
		kind, ok := c.activeKindOf(id)
		if !ok {
			return false
		}
		unlock := c.lockKinds(kind)

		c.lock.Lock()
		st, ok := c.clients[id]
		if !ok || !st.attached {
			c.lock.Unlock()
			unlock()
			return false
		}
		if st.activeKind() != kind {
			c.lock.Unlock()
			unlock()
			continue
		}
		prev := st.state
		st.attached = false
		st.state = Disconnected
		delete(c.clients, id)
		c.lock.Unlock()

		switch prev {
		case Waiting:
			c.pool.Dequeue(id)
			c.matchLocked(kind, out)
		case Paired:
			c.teardownLocked(st, kind, false, out)
		}
		c.relay.Close(id)
		unlock()

		log.Debug().Str("service", "lifecycle").Str("clientID", string(id)).Str("state", prev.String()).Msg("disconnected")

		return true
	}
}

// Relay forwards a chat message or a signal to the partner of id. When the partner
// turns out to be gone it is disconnected, which requeues the caller.
func (c *Controller) Relay(ctx context.Context, id core.ClientID, msg rpc.Rpc) (relay.Outcome, error) {
	res := c.relay.Forward(ctx, id, msg)

	switch res.Outcome {
	case relay.Delivered, relay.Buffered:
		if msg.GetMethod() == rpc.MessageMethod {
			c.registry.CountMessage(id, func(session core.Session) {
				c.mirror.Emit(eventbus.NewEvent(eventbus.MessageRelayed, session))
			})
		}
	case relay.NotInSession:
		return res.Outcome, core.ErrNotInSession
	case relay.RateLimited:
		return res.Outcome, core.ErrRateLimited
	case relay.PartnerGone:
		log.Info().Str("service", "lifecycle").Str("clientID", string(id)).Str("partnerID", string(res.Partner)).Msg("partner is unreachable")
		c.Disconnect(res.Partner)
	case relay.Failed:
		log.Error().Err(res.Err).Str("service", "lifecycle").Str("clientID", string(id)).Str("partnerID", string(res.Partner)).Msg("can't relay")
		return res.Outcome, res.Err
	}

	return res.Outcome, nil
}

// Ready marks the signaling channel of id as ready and flushes held signals
func (c *Controller) Ready(id core.ClientID) error {
	flushed, ok := c.relay.MarkReady(id)
	if !ok {
		return core.ErrNotInSession
	}
	if flushed > 0 {
		log.Debug().Str("service", "lifecycle").Str("clientID", string(id)).Int("flushed", flushed).Msg("ready")
	}
	return nil
}

// State of the connection, Disconnected for unknown ids
func (c *Controller) State(id core.ClientID) State {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if st, ok := c.clients[id]; ok {
		return st.state
	}
	return Disconnected
}

func (c *Controller) Stats() core.Stats {
	c.lock.RLock()
	connected := len(c.clients)
	c.lock.RUnlock()

	kinds := c.pool.Kinds()
	stats := core.Stats{
		Kinds:            make([]core.KindStats, 0, len(kinds)),
		ActiveSessions:   c.registry.Count(),
		ConnectedClients: connected,
	}
	for _, kind := range kinds {
		stats.Kinds = append(stats.Kinds, core.KindStats{Kind: kind, Lanes: c.pool.Lanes(kind)})
	}
	return stats
}

func (c *Controller) allow(ctx context.Context, action ratelimit.Action, id core.ClientID, rule ratelimit.Rule) bool {
	allowed, _ := c.limiter.AllowAction(ctx, action, string(id), rule)
	return allowed
}

func (c *Controller) activeKindOf(id core.ClientID) (core.Kind, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	st, ok := c.clients[id]
	if !ok || !st.attached {
		return "", false
	}
	return st.activeKind(), true
}

// lockClient locks the kind guarding the client plus extra. On return the client
// cannot leave its kind until unlock is called.
func (c *Controller) lockClient(id core.ClientID, extra core.Kind) (*clientState, func(), error) {
	for {
		kind, ok := c.activeKindOf(id)
		if !ok {
			return nil, nil, core.ErrNotConnected
		}
		unlock := c.lockKinds(kind, extra)

		c.lock.RLock()
		st, ok := c.clients[id]
		same := ok && st.attached && st.activeKind() == kind
		c.lock.RUnlock()

		if !ok || !st.attached {
			unlock()
			return nil, nil, core.ErrNotConnected
		}
		if same {
			return st, unlock, nil
		}
		unlock()
	}
}

// lockKinds locks kind mutexes in name order
func (c *Controller) lockKinds(kinds ...core.Kind) func() {
	locked := make([]core.Kind, 0, len(kinds))
	for _, kind := range kinds {
		if _, ok := c.kindLocks[kind]; !ok {
			continue
		}
		dup := false
		for _, k := range locked {
			dup = dup || k == kind
		}
		if !dup {
			locked = append(locked, kind)
		}
	}
	sort.Slice(locked, func(i, j int) bool { return locked[i] < locked[j] })

	for _, kind := range locked {
		c.kindLocks[kind].Lock()
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			c.kindLocks[locked[i]].Unlock()
		}
	}
}

// enqueueLocked moves an idle client into the pool of kind. The kind lock must be held.
func (c *Controller) enqueueLocked(st *clientState, kind core.Kind, avoid core.ClientID, out *outbound) error {
	c.lock.Lock()
	if !st.attached {
		c.lock.Unlock()
		return core.ErrNotConnected
	}
	if st.state != Idle {
		c.lock.Unlock()
		return core.ErrAlreadyQueuedOrPaired
	}
	st.state = Waiting
	st.kind = kind
	st.waitStart = time.Now().UTC()
	name := st.displayName
	c.lock.Unlock()

	entry := matching.Entry{
		Client: core.Client{ID: st.id, Kind: kind, DisplayName: name},
	}
	if avoid != "" {
		entry.Avoid = avoid
		entry.AvoidUntil = c.pool.Now().Add(c.avoidWindow)
	}
	if _, err := c.pool.Enqueue(entry); err != nil {
		c.lock.Lock()
		st.state = Idle
		c.lock.Unlock()
		return err
	}

	c.matchLocked(kind, out)
	c.sendWaitingLocked(st, kind, out)

	return nil
}

// sendWaitingLocked reports the wait of st if it is still waiting. The kind lock must be held.
func (c *Controller) sendWaitingLocked(st *clientState, kind core.Kind, out *outbound) {
	c.lock.RLock()
	waiting, since := st.state == Waiting, st.waitStart
	c.lock.RUnlock()

	if waiting {
		out.send(st.id, rpc.NewWaitingStatusRpc(kind, c.pool.Waiting(kind), since))
	}
}

// rematchAfter retries matching of kind once the last partner avoidance has lapsed
func (c *Controller) rematchAfter(kind core.Kind) {
	time.AfterFunc(c.avoidWindow, func() {
		out := &outbound{}
		defer c.dispatch(out)

		unlock := c.lockKinds(kind)
		defer unlock()

		c.matchLocked(kind, out)
	})
}

// matchLocked forms sessions until the matcher misses. The kind lock must be held.
// SessionCreated is emitted by the registry as the session is registered.
func (c *Controller) matchLocked(kind core.Kind, out *outbound) {
	requireReady := c.kinds[kind].RequireReady

	for {
		c.pool.Rebalance(kind)
		res, ok := c.matcher.TryMatch(kind)
		if !ok {
			return
		}
		a, b := res.MemberA.Client, res.MemberB.Client

		session, err := c.registry.Create(a.ID, b.ID, kind)
		if err != nil {
			log.Error().Err(err).Str("service", "lifecycle").Str("clientID", string(a.ID)).Str("partnerID", string(b.ID)).Msg("can't register session")
			c.restore(res.MemberA, res.MemberB)
			return
		}
		c.relay.Open(a.ID, requireReady)
		c.relay.Open(b.ID, requireReady)

		c.lock.Lock()
		for _, id := range []core.ClientID{a.ID, b.ID} {
			if st, ok := c.clients[id]; ok {
				st.state = Paired
			}
		}
		c.lock.Unlock()

		out.send(a.ID, rpc.NewPairedStatusRpc(session, b.DisplayName, true))
		out.send(b.ID, rpc.NewPairedStatusRpc(session, a.DisplayName, false))
		telemetry.SessionStarted()

		log.Info().
			Str("service", "lifecycle").
			Str("sessionID", string(session.ID)).
			Str("kind", string(kind)).
			Str("memberA", string(a.ID)).
			Str("memberB", string(b.ID)).
			Msg("session created")
	}
}

// restore puts a popped pair back into their lanes
func (c *Controller) restore(entries ...matching.Entry) {
	for _, e := range entries {
		if err := c.pool.EnqueueLane(e, e.Client.Lane); err != nil {
			log.Error().Err(err).Str("service", "lifecycle").Str("clientID", string(e.Client.ID)).Msg("can't restore waiting client")
		}
	}
}

// teardownLocked ends the session of st. The partner is notified and requeued,
// st is requeued only with requeueSelf. The kind lock must be held.
func (c *Controller) teardownLocked(st *clientState, kind core.Kind, requeueSelf bool, out *outbound) {
	session, ok := c.registry.End(st.id)
	if !ok {
		c.lock.Lock()
		if st.state == Paired {
			st.state = Idle
		}
		c.lock.Unlock()
		return
	}
	partnerID, _ := session.Partner(st.id)

	c.relay.Close(st.id)
	c.relay.Close(partnerID)
	c.mirror.Emit(eventbus.NewEvent(eventbus.SessionEnded, session))

	c.lock.Lock()
	if st.attached {
		st.state = Idle
	}
	partner, partnerAttached := c.clients[partnerID]
	if partnerAttached {
		partner.state = Idle
	}
	c.lock.Unlock()

	log.Info().
		Str("service", "lifecycle").
		Str("sessionID", string(session.ID)).
		Str("clientID", string(st.id)).
		Str("partnerID", string(partnerID)).
		Msg("session ended")

	if partnerAttached {
		out.send(partnerID, rpc.NewPartnerLeftStatusRpc(session))
	}

	if requeueSelf {
		if err := c.enqueueLocked(st, kind, partnerID, out); err != nil {
			log.Debug().Err(err).Str("service", "lifecycle").Str("clientID", string(st.id)).Msg("can't requeue")
		}
	}
	if partnerAttached {
		if err := c.enqueueLocked(partner, kind, st.id, out); err != nil {
			log.Debug().Err(err).Str("service", "lifecycle").Str("clientID", string(partnerID)).Msg("can't requeue partner")
		}
	}
	if requeueSelf || partnerAttached {
		c.rematchAfter(kind)
	}
}

type notification struct {
	to  core.ClientID
	msg rpc.Rpc
}

// outbound collects notifications while locks are held
type outbound struct {
	notifications []notification
}

func (o *outbound) send(to core.ClientID, msg rpc.Rpc) {
	o.notifications = append(o.notifications, notification{to: to, msg: msg})
}

func (c *Controller) dispatch(out *outbound) {
	for _, n := range out.notifications {
		if err := c.outbox.Deliver(n.to, n.msg); err != nil {
			log.Debug().Err(err).Str("service", "lifecycle").Str("clientID", string(n.to)).Str("method", string(n.msg.GetMethod())).Msg("notification is not delivered")
		}
	}
}
