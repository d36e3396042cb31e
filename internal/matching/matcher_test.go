package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-roulette/internal/core"
)

func TestMatcherBalancedScenario(t *testing.T) {
	pool := newTestPool()
	matcher := NewMatcher(pool, map[core.Kind]Policy{kindText: PolicyBalanced})

	require.NoError(t, pool.EnqueueLane(entry("A1", kindText), core.LaneA))
	_, ok := matcher.TryMatch(kindText)
	assert.False(t, ok)

	require.NoError(t, pool.EnqueueLane(entry("A2", kindText), core.LaneA))
	_, ok = matcher.TryMatch(kindText)
	assert.False(t, ok, "two clients of the same lane are never paired")

	require.NoError(t, pool.EnqueueLane(entry("B1", kindText), core.LaneB))
	res, ok := matcher.TryMatch(kindText)
	require.True(t, ok)

	assert.Equal(t, core.ClientID("A1"), res.MemberA.Client.ID)
	assert.Equal(t, core.ClientID("B1"), res.MemberB.Client.ID)
	assert.Equal(t, kindText, res.Kind)

	assert.True(t, pool.Contains("A2"))
	assert.Equal(t, 1, pool.Waiting(kindText))
}

func TestMatcherFIFO(t *testing.T) {
	pool := newTestPool()
	matcher := NewMatcher(pool, map[core.Kind]Policy{kindVideo: PolicyFIFO})

	_, _ = pool.Enqueue(entry("x", kindVideo))
	_, ok := matcher.TryMatch(kindVideo)
	assert.False(t, ok)

	_, _ = pool.Enqueue(entry("y", kindVideo))
	_, _ = pool.Enqueue(entry("z", kindVideo))

	res, ok := matcher.TryMatch(kindVideo)
	require.True(t, ok)
	assert.Equal(t, core.ClientID("x"), res.MemberA.Client.ID)
	assert.Equal(t, core.ClientID("y"), res.MemberB.Client.ID)
	assert.Equal(t, 1, pool.Waiting(kindVideo))
}

func TestMatcherAvoidsLastPartner(t *testing.T) {
	pool := newTestPool()
	matcher := NewMatcher(pool, map[core.Kind]Policy{kindVideo: PolicyFIFO})

	until := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	x := Entry{Client: core.Client{ID: "x", Kind: kindVideo}, Avoid: "y", AvoidUntil: until}
	y := Entry{Client: core.Client{ID: "y", Kind: kindVideo}, Avoid: "x", AvoidUntil: until}
	_, _ = pool.Enqueue(x)
	_, _ = pool.Enqueue(y)

	_, ok := matcher.TryMatch(kindVideo)
	assert.False(t, ok)
	assert.Equal(t, 2, pool.Waiting(kindVideo))

	_, _ = pool.Enqueue(entry("z", kindVideo))
	res, ok := matcher.TryMatch(kindVideo)
	require.True(t, ok)
	assert.Equal(t, core.ClientID("x"), res.MemberA.Client.ID)
	assert.Equal(t, core.ClientID("z"), res.MemberB.Client.ID)
	assert.True(t, pool.Contains("y"))
}

func TestMatcherAvoidanceLapses(t *testing.T) {
	clock := &tickClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool := NewPool(WithClock(clock.Now))
	matcher := NewMatcher(pool, map[core.Kind]Policy{kindVideo: PolicyFIFO, kindText: PolicyBalanced})

	until := clock.now.Add(time.Second)
	for _, kind := range []core.Kind{kindVideo, kindText} {
		_, _ = pool.Enqueue(Entry{Client: core.Client{ID: core.ClientID("x-" + kind), Kind: kind}, Avoid: core.ClientID("y-" + kind), AvoidUntil: until})
		_, _ = pool.Enqueue(Entry{Client: core.Client{ID: core.ClientID("y-" + kind), Kind: kind}, Avoid: core.ClientID("x-" + kind), AvoidUntil: until})

		_, ok := matcher.TryMatch(kind)
		assert.False(t, ok, kind)
	}

	clock.now = until
	for _, kind := range []core.Kind{kindVideo, kindText} {
		res, ok := matcher.TryMatch(kind)
		require.True(t, ok, kind)
		assert.Equal(t, core.ClientID("x-"+kind), res.MemberA.Client.ID)
		assert.Equal(t, core.ClientID("y-"+kind), res.MemberB.Client.ID)
	}
}

func TestMatcherClearAvoid(t *testing.T) {
	pool := newTestPool()
	matcher := NewMatcher(pool, map[core.Kind]Policy{kindVideo: PolicyFIFO})

	until := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	_, _ = pool.Enqueue(Entry{Client: core.Client{ID: "x", Kind: kindVideo}, Avoid: "y", AvoidUntil: until})
	_, _ = pool.Enqueue(Entry{Client: core.Client{ID: "y", Kind: kindVideo}})

	_, ok := matcher.TryMatch(kindVideo)
	assert.False(t, ok)

	assert.True(t, pool.ClearAvoid("x"))
	assert.False(t, pool.ClearAvoid("x"))
	assert.False(t, pool.ClearAvoid("ghost"))

	res, ok := matcher.TryMatch(kindVideo)
	require.True(t, ok)
	assert.Equal(t, core.ClientID("x"), res.MemberA.Client.ID)
}

func TestMatcherUnknownKind(t *testing.T) {
	matcher := NewMatcher(newTestPool(), map[core.Kind]Policy{kindVideo: PolicyFIFO})

	_, ok := matcher.TryMatch("voice")
	assert.False(t, ok)

	_, ok = matcher.Policy("voice")
	assert.False(t, ok)
}

func TestMatcherUnknownPolicyFallsBack(t *testing.T) {
	pool := NewPool()
	matcher := NewMatcher(pool, map[core.Kind]Policy{"voice": "random"})

	policy, ok := matcher.Policy("voice")
	assert.True(t, ok)
	assert.Equal(t, PolicyFIFO, policy)
	assert.Len(t, pool.Lanes("voice"), 1)
}
