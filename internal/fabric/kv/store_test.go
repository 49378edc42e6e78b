package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

func TestVersionBumpsOnEveryMutation(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("a", "k", "v1"))
	_, v, ok := s.GetWithVersion("k")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)

	require.NoError(t, s.Set("a", "k", "v2"))
	_, v, _ = s.GetWithVersion("k")
	assert.Equal(t, int64(2), v)

	_, err := s.Increment("a", "n", 5)
	require.NoError(t, err)
	_, v, _ = s.GetWithVersion("n")
	assert.Equal(t, int64(1), v)
}

func TestOptimisticSet(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("a", "k", "v1"))

	good := int64(1)
	require.NoError(t, s.Set("a", "k", "v2", SetOptions{ExpectedVersion: &good}))

	stale := int64(1)
	err := s.Set("b", "k", "v3", SetOptions{ExpectedVersion: &stale})
	assert.ErrorIs(t, err, ErrVersionMismatch)

	val, _ := s.Get("k")
	assert.Equal(t, "v2", val)
}

func TestCompareAndSwap(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("a", "counter", 0))

	ok, err := s.CompareAndSwap("a", "counter", 0, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap("b", "counter", 0, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	val, _ := s.Get("counter")
	assert.Equal(t, 1, val)
}

func TestLeasedLocks(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(ids.FixedClock{T: base})
	require.NoError(t, s.Set("a", "k", "v"))

	ok, err := s.AcquireLock("a", "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Foreign writes fail while the lease is live.
	err = s.Set("b", "k", "x")
	assert.ErrorIs(t, err, ErrLockHeld)
	err = s.Delete("b", "k")
	assert.ErrorIs(t, err, ErrLockHeld)

	// The holder can still write.
	require.NoError(t, s.Set("a", "k", "mine"))

	// Foreign acquire fails, then succeeds after expiry (lazy).
	ok, err = s.AcquireLock("b", "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	s.SetClock(ids.FixedClock{T: base.Add(2 * time.Minute)})
	ok, err = s.AcquireLock("b", "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNegativeTTLRefused(t *testing.T) {
	s := NewStore()
	_, err := s.AcquireLock("a", "k", -time.Second)
	assert.ErrorIs(t, err, ErrNegativeTTL)
	_, err = s.AcquireLock("a", "k", 0)
	assert.ErrorIs(t, err, ErrNegativeTTL)
}

func TestLockReleaseRestoresState(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("a", "k", "v"))
	before, bv, _ := s.GetWithVersion("k")

	ok, err := s.AcquireLock("a", "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.ReleaseLock("a", "k")
	require.NoError(t, err)
	require.True(t, ok)

	after, av, _ := s.GetWithVersion("k")
	assert.Equal(t, before, after)
	assert.Equal(t, bv, av)
	entry, _ := s.Entry("k")
	assert.Empty(t, entry.LockHolder)
	assert.Nil(t, entry.LockExpiresAt)
}

func TestReleaseByNonHolder(t *testing.T) {
	s := NewStore()
	_, err := s.AcquireLock("a", "k", time.Minute)
	require.NoError(t, err)
	_, err = s.ReleaseLock("b", "k")
	assert.ErrorIs(t, err, ErrNotLockHolder)
}

func TestSubscriptions(t *testing.T) {
	s := NewStore()
	var keyEvents, allEvents []Event
	s.Subscribe("watched", func(e Event) { keyEvents = append(keyEvents, e) })
	id := s.Subscribe("", func(e Event) { allEvents = append(allEvents, e) })

	require.NoError(t, s.Set("a", "watched", 1))
	require.NoError(t, s.Set("a", "other", 2))
	require.NoError(t, s.Delete("a", "watched"))

	require.Len(t, keyEvents, 2)
	assert.Equal(t, EventSet, keyEvents[0].Type)
	assert.Equal(t, EventDelete, keyEvents[1].Type)
	assert.Len(t, allEvents, 3)

	s.Unsubscribe(id)
	require.NoError(t, s.Set("a", "other", 3))
	assert.Len(t, allEvents, 3)
}

func TestSubscriberPanicIsContained(t *testing.T) {
	s := NewStore()
	s.Subscribe("", func(Event) { panic("bad subscriber") })
	require.NoError(t, s.Set("a", "k", "v"))
}

func TestTransactionCommit(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("sys", "counter", 0))

	// Two sequential transactions each increment once (scenario: CAS race).
	require.NoError(t, s.Begin("t1").Increment("counter", 1).Commit())
	require.NoError(t, s.Begin("t2").Increment("counter", 1).Commit())

	val, version, ok := s.GetWithVersion("counter")
	require.True(t, ok)
	assert.Equal(t, 2.0, val)
	assert.Equal(t, int64(3), version)
}

func TestTransactionNotificationOrder(t *testing.T) {
	s := NewStore()
	var order []EventType
	s.Subscribe("", func(e Event) { order = append(order, e.Type) })

	tx := s.Begin("a").Set("x", 1).Increment("y", 2).Delete("x")
	require.NoError(t, tx.Commit())

	assert.Equal(t, []EventType{EventSet, EventIncrement, EventDelete}, order)
	_, ok := s.Get("x")
	assert.False(t, ok)
}

func TestTransactionRollback(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("a", "text", "hello"))
	require.NoError(t, s.Set("a", "num", 1))

	var sawRollback bool
	s.Subscribe("", func(e Event) {
		if e.Type == EventRollback {
			sawRollback = true
		}
	})

	// INCREMENT on a non-numeric value fails mid-transaction.
	err := s.Begin("a").Set("num", 10).Increment("text", 1).Commit()
	require.Error(t, err)
	assert.True(t, sawRollback)

	val, _ := s.Get("num")
	assert.Equal(t, 1, val, "rollback restores pre-transaction state")
	txt, _ := s.Get("text")
	assert.Equal(t, "hello", txt)
	assert.Equal(t, int64(1), s.Stats().Rollbacks)
}

func TestConflictPolicies(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set("a", "k", map[string]any{"x": 1}))

	require.NoError(t, s.SetConflictPolicy(MergePolicy, nil))
	require.NoError(t, s.Set("b", "k", map[string]any{"y": 2}))
	val, _ := s.Get("k")
	merged := val.(map[string]any)
	assert.Equal(t, 1, merged["x"])
	assert.Equal(t, 2, merged["y"])

	require.NoError(t, s.SetConflictPolicy(FirstWriteWins, nil))
	require.NoError(t, s.Set("c", "k", "ignored"))
	val, _ = s.Get("k")
	assert.IsType(t, map[string]any{}, val)

	require.NoError(t, s.SetConflictPolicy(RejectPolicy, nil))
	err := s.Set("d", "k", "nope")
	assert.ErrorIs(t, err, ErrRejected)

	assert.Error(t, s.SetConflictPolicy(CustomPolicy, nil))
}

func TestSyncFromPeer(t *testing.T) {
	s := NewStore()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(ids.FixedClock{T: base})
	require.NoError(t, s.Set("local", "stale", "old"))
	require.NoError(t, s.Set("local", "fresh", "mine"))

	applied := s.SyncFromPeer("peer-1", map[string]PeerEntry{
		"stale": {Value: "newer", UpdatedAt: base.Add(time.Hour), UpdatedBy: "peer-agent"},
		"fresh": {Value: "older", UpdatedAt: base.Add(-time.Hour), UpdatedBy: "peer-agent"},
		"new":   {Value: 42, UpdatedAt: base, UpdatedBy: "peer-agent"},
	}, map[string]int64{"peer-1": 7})

	assert.Equal(t, 2, applied)
	v, _ := s.Get("stale")
	assert.Equal(t, "newer", v)
	v, _ = s.Get("fresh")
	assert.Equal(t, "mine", v)
	v, _ = s.Get("new")
	assert.Equal(t, 42, v)

	clock := s.VectorClock()
	assert.Equal(t, int64(7), clock["peer-1"])
	assert.GreaterOrEqual(t, clock[s.NodeID()], int64(2))
}
