package matching

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/core"
)

// Policy decides how a pair is chosen out of the waiting lanes of a kind
type Policy string

const (
	// PolicyFIFO uses a single lane and pairs the two oldest compatible clients
	PolicyFIFO Policy = "fifo"
	// PolicyBalanced uses lanes A and B and pairs the oldest of A with the oldest of B
	PolicyBalanced Policy = "balanced"
)

// Lanes is the number of lanes a policy needs
func (p Policy) Lanes() int {
	if p == PolicyBalanced {
		return 2
	}
	return 1
}

// Valid reports whether the policy is known
func (p Policy) Valid() bool {
	return p == PolicyFIFO || p == PolicyBalanced
}

// MatchResult is a freshly formed pair. MemberA is the older of the two.
type MatchResult struct {
	Kind    core.Kind
	MemberA Entry
	MemberB Entry
}

type Matcher struct {
	pool     *Pool
	policies map[core.Kind]Policy
}

// NewMatcher registers every kind of policies in pool with the lanes its policy needs
func NewMatcher(pool *Pool, policies map[core.Kind]Policy) *Matcher {
	m := &Matcher{
		pool:     pool,
		policies: make(map[core.Kind]Policy, len(policies)),
	}
	for kind, policy := range policies {
		if !policy.Valid() {
			log.Warn().Str("service", "matcher").Str("kind", string(kind)).Str("policy", string(policy)).Msg("unknown policy, falling back to fifo")
			policy = PolicyFIFO
		}
		m.policies[kind] = policy
		pool.AddKind(kind, policy.Lanes())
	}
	return m
}

// Policy returns the policy of kind
func (m *Matcher) Policy(kind core.Kind) (Policy, bool) {
	p, ok := m.policies[kind]
	return p, ok
}

// Pool is the waiting pool the matcher draws from
func (m *Matcher) Pool() *Pool {
	return m.pool
}

// TryMatch removes one pair from the pool if the policy of kind allows it.
// A miss is not an error.
func (m *Matcher) TryMatch(kind core.Kind) (MatchResult, bool) {
	policy, ok := m.policies[kind]
	if !ok {
		return MatchResult{}, false
	}

	now := m.pool.Now()
	pick := func(lanes [][]Entry) (Ref, Ref, bool) {
		if policy == PolicyBalanced {
			return pickBalanced(lanes, now)
		}
		return pickFIFO(lanes, now)
	}

	a, b, ok := m.pool.PopPair(kind, pick)
	if !ok {
		return MatchResult{}, false
	}
	if b.Client.JoinedAt.Before(a.Client.JoinedAt) {
		a, b = b, a
	}

	return MatchResult{Kind: kind, MemberA: a, MemberB: b}, true
}

// pickFIFO treats all lanes as one queue ordered by arrival
func pickFIFO(lanes [][]Entry, now time.Time) (Ref, Ref, bool) {
	refs := make([]Ref, 0)
	for lane, entries := range lanes {
		for i := range entries {
			refs = append(refs, Ref{Lane: core.Lane(lane), Index: i})
		}
	}
	if len(refs) < 2 {
		return Ref{}, Ref{}, false
	}

	at := func(r Ref) Entry { return lanes[r.Lane][r.Index] }
	// lanes are already ordered, merge by arrival with a stable insertion sort
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && at(refs[j]).Client.JoinedAt.Before(at(refs[j-1]).Client.JoinedAt); j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}

	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			if at(refs[i]).compatible(at(refs[j]), now) {
				return refs[i], refs[j], true
			}
		}
	}
	return Ref{}, Ref{}, false
}

func pickBalanced(lanes [][]Entry, now time.Time) (Ref, Ref, bool) {
	if len(lanes) < 2 {
		return pickFIFO(lanes, now)
	}
	laneA, laneB := lanes[core.LaneA], lanes[core.LaneB]
	if len(laneA) == 0 || len(laneB) == 0 {
		return Ref{}, Ref{}, false
	}

	for i := range laneA {
		for j := range laneB {
			if laneA[i].compatible(laneB[j], now) {
				return Ref{Lane: core.LaneA, Index: i}, Ref{Lane: core.LaneB, Index: j}, true
			}
		}
	}
	return Ref{}, Ref{}, false
}
