// Package matching holds clients waiting for a partner and forms pairs out of them.
//
// A Pool keeps, per kind, a fixed set of lanes. Each lane is FIFO by arrival.
// The Matcher decides which pair of waiting clients becomes a session according
// to the policy configured for the kind.
package matching

import (
	"sort"
	"sync"
	"time"

	"github.com/isqad/livelook-roulette/internal/core"
)

// Entry is one waiting client
type Entry struct {
	Client core.Client
	// Avoid is the last partner of a requeued client. The matcher does not
	// pair the two again before AvoidUntil.
	Avoid      core.ClientID
	AvoidUntil time.Time
}

func (e Entry) avoids(id core.ClientID, now time.Time) bool {
	return e.Avoid != "" && e.Avoid == id && now.Before(e.AvoidUntil)
}

func (e Entry) compatible(other Entry, now time.Time) bool {
	return !e.avoids(other.Client.ID, now) && !other.avoids(e.Client.ID, now)
}

// Ref points at an entry inside the lanes of a kind
type Ref struct {
	Lane  core.Lane
	Index int
}

// PickFunc chooses a pair out of a read-only view of the lanes
type PickFunc func(lanes [][]Entry) (a Ref, b Ref, ok bool)

type kindQueue struct {
	lanes [][]Entry
}

func (q *kindQueue) shortest() core.Lane {
	shortest := 0
	for i := range q.lanes {
		if len(q.lanes[i]) < len(q.lanes[shortest]) {
			shortest = i
		}
	}
	return core.Lane(shortest)
}

func (q *kindQueue) longest() core.Lane {
	longest := 0
	for i := range q.lanes {
		if len(q.lanes[i]) > len(q.lanes[longest]) {
			longest = i
		}
	}
	return core.Lane(longest)
}

// insert keeps the lane ordered by arrival time
func (q *kindQueue) insert(lane core.Lane, e Entry) {
	entries := q.lanes[lane]
	at := sort.Search(len(entries), func(i int) bool {
		return entries[i].Client.JoinedAt.After(e.Client.JoinedAt)
	})
	entries = append(entries, Entry{})
	copy(entries[at+1:], entries[at:])
	entries[at] = e
	q.lanes[lane] = entries
}

func (q *kindQueue) remove(ref Ref) Entry {
	entries := q.lanes[ref.Lane]
	e := entries[ref.Index]
	q.lanes[ref.Lane] = append(entries[:ref.Index], entries[ref.Index+1:]...)
	return e
}

func (q *kindQueue) find(id core.ClientID) (Ref, bool) {
	for lane, entries := range q.lanes {
		for i, e := range entries {
			if e.Client.ID == id {
				return Ref{Lane: core.Lane(lane), Index: i}, true
			}
		}
	}
	return Ref{}, false
}

func (q *kindQueue) rebalance() int {
	moved := 0
	for {
		long, short := q.longest(), q.shortest()
		if len(q.lanes[long])-len(q.lanes[short]) <= 1 {
			return moved
		}
		tail := q.remove(Ref{Lane: long, Index: len(q.lanes[long]) - 1})
		tail.Client.Lane = short
		q.insert(short, tail)
		moved++
	}
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithPairedCheck makes Enqueue reject clients that are members of a live session
func WithPairedCheck(isPaired func(core.ClientID) bool) PoolOption {
	return func(p *Pool) {
		p.isPaired = isPaired
	}
}

// WithClock replaces time.Now for arrival timestamps
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) {
		p.now = now
	}
}

// Pool holds the clients that are not paired yet. A client is in at most one lane
// of one kind at any time.
type Pool struct {
	mu       sync.Mutex
	kinds    map[core.Kind]*kindQueue
	index    map[core.ClientID]core.Kind
	isPaired func(core.ClientID) bool
	now      func() time.Time
}

func NewPool(options ...PoolOption) *Pool {
	p := &Pool{
		kinds: make(map[core.Kind]*kindQueue),
		index: make(map[core.ClientID]core.Kind),
		now:   time.Now,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// AddKind registers a kind with the given number of lanes. Registering a known kind is a no-op.
func (p *Pool) AddKind(kind core.Kind, lanes int) {
	if lanes < 1 {
		lanes = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.kinds[kind]; ok {
		return
	}
	p.kinds[kind] = &kindQueue{lanes: make([][]Entry, lanes)}
}

// Enqueue places the client of e into the shortest lane of its kind, ties going to lane A
func (p *Pool) Enqueue(e Entry) (core.Lane, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.admit(e)
	if err != nil {
		return 0, err
	}

	lane := q.shortest()
	p.place(q, lane, e)

	return lane, nil
}

// EnqueueLane pins the client into lane. Lanes may be out of balance until the next Rebalance.
func (p *Pool) EnqueueLane(e Entry, lane core.Lane) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, err := p.admit(e)
	if err != nil {
		return err
	}
	if int(lane) < 0 || int(lane) >= len(q.lanes) {
		lane = core.LaneA
	}
	p.place(q, lane, e)

	return nil
}

func (p *Pool) admit(e Entry) (*kindQueue, error) {
	q, ok := p.kinds[e.Client.Kind]
	if !ok {
		return nil, core.ErrUnknownKind
	}
	if _, queued := p.index[e.Client.ID]; queued {
		return nil, core.ErrAlreadyQueuedOrPaired
	}
	if p.isPaired != nil && p.isPaired(e.Client.ID) {
		return nil, core.ErrAlreadyQueuedOrPaired
	}
	return q, nil
}

func (p *Pool) place(q *kindQueue, lane core.Lane, e Entry) {
	if e.Client.JoinedAt.IsZero() {
		e.Client.JoinedAt = p.now()
	}
	e.Client.Lane = lane
	q.lanes[lane] = append(q.lanes[lane], e)
	p.index[e.Client.ID] = e.Client.Kind
}

// Dequeue removes a waiting client. It reports false when the client was not waiting.
func (p *Pool) Dequeue(id core.ClientID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	kind, ok := p.index[id]
	if !ok {
		return false
	}
	q := p.kinds[kind]

	ref, ok := q.find(id)
	if !ok {
		delete(p.index, id)
		return false
	}
	q.remove(ref)
	delete(p.index, id)
	q.rebalance()

	return true
}

// Rebalance moves tail clients of longer lanes to shorter ones until no two lanes
// differ by more than one. Moved clients keep their arrival time.
func (p *Pool) Rebalance(kind core.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.kinds[kind]
	if !ok {
		return 0
	}
	return q.rebalance()
}

// PopPair atomically removes the pair chosen by pick
func (p *Pool) PopPair(kind core.Kind, pick PickFunc) (Entry, Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.kinds[kind]
	if !ok {
		return Entry{}, Entry{}, false
	}

	a, b, ok := pick(q.lanes)
	if !ok || a == b {
		return Entry{}, Entry{}, false
	}

	first, second := q.lanes[a.Lane][a.Index], q.lanes[b.Lane][b.Index]
	// remove the higher index first so the other ref stays valid
	if a.Lane == b.Lane && a.Index < b.Index {
		q.remove(b)
		q.remove(a)
	} else {
		q.remove(a)
		q.remove(b)
	}
	delete(p.index, first.Client.ID)
	delete(p.index, second.Client.ID)

	return first, second, true
}

// Len is the number of clients waiting in one lane
func (p *Pool) Len(kind core.Kind, lane core.Lane) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.kinds[kind]
	if !ok || int(lane) < 0 || int(lane) >= len(q.lanes) {
		return 0
	}
	return len(q.lanes[lane])
}

// Waiting is the number of clients waiting in all lanes of kind
func (p *Pool) Waiting(kind core.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.kinds[kind]
	if !ok {
		return 0
	}
	total := 0
	for _, entries := range q.lanes {
		total += len(entries)
	}
	return total
}

// Lanes returns the size of every lane of kind
func (p *Pool) Lanes(kind core.Kind) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.kinds[kind]
	if !ok {
		return nil
	}
	sizes := make([]int, len(q.lanes))
	for i, entries := range q.lanes {
		sizes[i] = len(entries)
	}
	return sizes
}

// Lookup returns the entry of a waiting client
func (p *Pool) Lookup(id core.ClientID) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kind, ok := p.index[id]
	if !ok {
		return Entry{}, false
	}
	q := p.kinds[kind]
	ref, ok := q.find(id)
	if !ok {
		return Entry{}, false
	}
	return q.lanes[ref.Lane][ref.Index], true
}

// ClearAvoid drops the last partner avoidance of a waiting client
func (p *Pool) ClearAvoid(id core.ClientID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	kind, ok := p.index[id]
	if !ok {
		return false
	}
	ref, ok := p.kinds[kind].find(id)
	if !ok {
		return false
	}
	e := &p.kinds[kind].lanes[ref.Lane][ref.Index]
	cleared := e.Avoid != ""
	e.Avoid = ""
	e.AvoidUntil = time.Time{}
	return cleared
}

// Now is the clock of the pool
func (p *Pool) Now() time.Time {
	return p.now()
}

// Position returns the lane of a waiting client and its zero based place in it
func (p *Pool) Position(id core.ClientID) (core.Lane, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kind, ok := p.index[id]
	if !ok {
		return 0, 0, false
	}
	ref, ok := p.kinds[kind].find(id)
	if !ok {
		return 0, 0, false
	}
	return ref.Lane, ref.Index, true
}

// Contains reports whether the client is waiting in any kind
func (p *Pool) Contains(id core.ClientID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.index[id]
	return ok
}

// Kinds lists the registered kinds in name order
func (p *Pool) Kinds() []core.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()

	kinds := make([]core.Kind, 0, len(p.kinds))
	for kind := range p.kinds {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
