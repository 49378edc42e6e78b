// Package kv implements the shared key/value store: versioned values,
// optimistic CAS, leased pessimistic locks, transactions with rollback, and
// mutation subscriptions.
package kv

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

// Errors returned by store operations. Callers decide retry policy.
var (
	ErrVersionMismatch = errors.New("version mismatch")
	ErrLockHeld        = errors.New("lock held by another agent")
	ErrNotLockHolder   = errors.New("caller does not hold the lock")
	ErrRejected        = errors.New("write rejected by conflict policy")
	ErrNotNumeric      = errors.New("value is not numeric")
	ErrNegativeTTL     = errors.New("lock ttl must be positive")
)

// ConflictPolicy governs how Set treats an existing value.
type ConflictPolicy string

const (
	LastWriteWins  ConflictPolicy = "last_write_wins"
	FirstWriteWins ConflictPolicy = "first_write_wins"
	MergePolicy    ConflictPolicy = "merge"
	RejectPolicy   ConflictPolicy = "reject"
	CustomPolicy   ConflictPolicy = "custom"
)

// MergeFunc resolves a conflict under CustomPolicy.
type MergeFunc func(existing, incoming any) any

// Value is a versioned entry.
type Value struct {
	Value         any        `json:"value"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	UpdatedBy     string     `json:"updated_by"`
	LockHolder    string     `json:"lock_holder,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
}

// EventType classifies a mutation notification.
type EventType string

const (
	EventSet       EventType = "SET"
	EventDelete    EventType = "DELETE"
	EventIncrement EventType = "INCREMENT"
	EventRollback  EventType = "TRANSACTION_ROLLBACK"
)

// Event is delivered to subscribers after a mutation commits.
type Event struct {
	Type    EventType `json:"type"`
	Key     string    `json:"key"`
	Value   any       `json:"value,omitempty"`
	Version int64     `json:"version"`
	AgentID string    `json:"agent_id"`
	At      time.Time `json:"at"`
}

// Subscriber receives events. Invoked after the store lock is released;
// panics are caught and logged.
type Subscriber func(Event)

type subscription struct {
	id  string
	key string // empty = global
	fn  Subscriber
}

// Store is the shared KV store. All operations are linearizable behind mu.
type Store struct {
	mu       sync.Mutex
	data     map[string]*Value
	subs     map[string]*subscription
	policy   ConflictPolicy
	merge    MergeFunc
	clock    ids.Clock
	nodeID   string
	vclock   map[string]int64
	stats    Stats
}

// Stats tracks store counters.
type Stats struct {
	Sets         int64 `json:"sets"`
	Gets         int64 `json:"gets"`
	Deletes      int64 `json:"deletes"`
	CASFailures  int64 `json:"cas_failures"`
	LockFailures int64 `json:"lock_failures"`
	Transactions int64 `json:"transactions"`
	Rollbacks    int64 `json:"rollbacks"`
}

// NewStore creates a store with the last-write-wins policy.
func NewStore() *Store {
	return &Store{
		data:   make(map[string]*Value),
		subs:   make(map[string]*subscription),
		policy: LastWriteWins,
		clock:  ids.RealClock{},
		nodeID: ids.NewMessageID(),
		vclock: make(map[string]int64),
	}
}

// SetClock replaces the clock (test hook).
func (s *Store) SetClock(c ids.Clock) {
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
}

// SetConflictPolicy switches the write conflict policy. A CustomPolicy
// requires a merge function.
func (s *Store) SetConflictPolicy(p ConflictPolicy, merge MergeFunc) error {
	if p == CustomPolicy && merge == nil {
		return fmt.Errorf("custom policy requires a merge function")
	}
	s.mu.Lock()
	s.policy = p
	s.merge = merge
	s.mu.Unlock()
	return nil
}

// SetOptions carries optional Set arguments.
type SetOptions struct {
	ExpectedVersion *int64
}

// Set writes a value. Fails on foreign active lock or version mismatch.
func (s *Store) Set(agentID, key string, value any, opts ...SetOptions) error {
	var opt SetOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	s.mu.Lock()
	now := s.clock.Now()
	existing, exists := s.data[key]
	if exists {
		s.expireLockLocked(existing, now)
		if existing.LockHolder != "" && existing.LockHolder != agentID {
			s.stats.LockFailures++
			s.mu.Unlock()
			return fmt.Errorf("set %s: %w", key, ErrLockHeld)
		}
		if opt.ExpectedVersion != nil && existing.Version != *opt.ExpectedVersion {
			s.stats.CASFailures++
			s.mu.Unlock()
			return fmt.Errorf("set %s: expected version %d, have %d: %w", key, *opt.ExpectedVersion, existing.Version, ErrVersionMismatch)
		}
		resolved, err := s.resolveLocked(existing.Value, value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("set %s: %w", key, err)
		}
		existing.Value = resolved
		existing.Version++
		existing.UpdatedAt = now
		existing.UpdatedBy = agentID
	} else {
		s.data[key] = &Value{
			Value:     value,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
			UpdatedBy: agentID,
		}
	}
	s.stats.Sets++
	s.vclock[s.nodeID]++
	version := s.data[key].Version
	stored := s.data[key].Value
	s.mu.Unlock()

	s.notify(Event{Type: EventSet, Key: key, Value: stored, Version: version, AgentID: agentID, At: now})
	return nil
}

// resolveLocked applies the conflict policy for an existing key.
func (s *Store) resolveLocked(existing, incoming any) (any, error) {
	switch s.policy {
	case FirstWriteWins:
		return existing, nil
	case MergePolicy:
		em, eok := existing.(map[string]any)
		im, iok := incoming.(map[string]any)
		if eok && iok {
			merged := make(map[string]any, len(em)+len(im))
			for k, v := range em {
				merged[k] = v
			}
			for k, v := range im {
				merged[k] = v
			}
			return merged, nil
		}
		return incoming, nil
	case RejectPolicy:
		return nil, ErrRejected
	case CustomPolicy:
		return s.merge(existing, incoming), nil
	default: // LastWriteWins
		return incoming, nil
	}
}

// Get returns the value or nil when absent.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Gets++
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// GetWithVersion returns value and version.
func (s *Store) GetWithVersion(key string) (any, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Gets++
	v, ok := s.data[key]
	if !ok {
		return nil, 0, false
	}
	return v.Value, v.Version, true
}

// Entry returns a copy of the full versioned entry.
func (s *Store) Entry(key string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return Value{}, false
	}
	return *v, true
}

// Delete removes a key. Fails on foreign active lock.
func (s *Store) Delete(agentID, key string) error {
	s.mu.Lock()
	now := s.clock.Now()
	v, ok := s.data[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.expireLockLocked(v, now)
	if v.LockHolder != "" && v.LockHolder != agentID {
		s.stats.LockFailures++
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", key, ErrLockHeld)
	}
	version := v.Version
	delete(s.data, key)
	s.stats.Deletes++
	s.vclock[s.nodeID]++
	s.mu.Unlock()

	s.notify(Event{Type: EventDelete, Key: key, Version: version, AgentID: agentID, At: now})
	return nil
}

// Increment atomically adds delta to a numeric key; absent keys start at 0.
func (s *Store) Increment(agentID, key string, delta float64) (float64, error) {
	s.mu.Lock()
	now := s.clock.Now()
	v, ok := s.data[key]
	var current float64
	if ok {
		s.expireLockLocked(v, now)
		if v.LockHolder != "" && v.LockHolder != agentID {
			s.stats.LockFailures++
			s.mu.Unlock()
			return 0, fmt.Errorf("increment %s: %w", key, ErrLockHeld)
		}
		num, err := asFloat(v.Value)
		if err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("increment %s: %w", key, err)
		}
		current = num
	}
	next := current + delta
	if ok {
		v.Value = next
		v.Version++
		v.UpdatedAt = now
		v.UpdatedBy = agentID
	} else {
		s.data[key] = &Value{Value: next, Version: 1, CreatedAt: now, UpdatedAt: now, UpdatedBy: agentID}
	}
	version := s.data[key].Version
	s.vclock[s.nodeID]++
	s.mu.Unlock()

	s.notify(Event{Type: EventIncrement, Key: key, Value: next, Version: version, AgentID: agentID, At: now})
	return next, nil
}

// CompareAndSwap sets key to next only when the current value equals expected.
func (s *Store) CompareAndSwap(agentID, key string, expected, next any) (bool, error) {
	s.mu.Lock()
	now := s.clock.Now()
	v, ok := s.data[key]
	if !ok {
		s.stats.CASFailures++
		s.mu.Unlock()
		return false, nil
	}
	s.expireLockLocked(v, now)
	if v.LockHolder != "" && v.LockHolder != agentID {
		s.stats.LockFailures++
		s.mu.Unlock()
		return false, fmt.Errorf("cas %s: %w", key, ErrLockHeld)
	}
	if !equalValues(v.Value, expected) {
		s.stats.CASFailures++
		s.mu.Unlock()
		return false, nil
	}
	v.Value = next
	v.Version++
	v.UpdatedAt = now
	v.UpdatedBy = agentID
	version := v.Version
	s.vclock[s.nodeID]++
	s.mu.Unlock()

	s.notify(Event{Type: EventSet, Key: key, Value: next, Version: version, AgentID: agentID, At: now})
	return true, nil
}

// AcquireLock takes a leased lock. Succeeds when unlocked, already held by
// the caller (lease refresh), or the previous lease expired.
func (s *Store) AcquireLock(agentID, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrNegativeTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	v, ok := s.data[key]
	if !ok {
		// Locking a nonexistent key creates a placeholder entry.
		v = &Value{Version: 0, CreatedAt: now, UpdatedAt: now, UpdatedBy: agentID}
		s.data[key] = v
	}
	s.expireLockLocked(v, now)
	if v.LockHolder != "" && v.LockHolder != agentID {
		s.stats.LockFailures++
		return false, nil
	}
	exp := now.Add(ttl)
	v.LockHolder = agentID
	v.LockExpiresAt = &exp
	return true, nil
}

// ReleaseLock clears the lock when the caller holds it.
func (s *Store) ReleaseLock(agentID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return false, nil
	}
	s.expireLockLocked(v, s.clock.Now())
	if v.LockHolder != agentID {
		return false, ErrNotLockHolder
	}
	v.LockHolder = ""
	v.LockExpiresAt = nil
	// A placeholder created purely for locking disappears with the lock.
	if v.Version == 0 {
		delete(s.data, key)
	}
	return true, nil
}

// expireLockLocked lazily clears an expired lease. Caller holds s.mu.
func (s *Store) expireLockLocked(v *Value, now time.Time) {
	if v.LockHolder != "" && v.LockExpiresAt != nil && now.After(*v.LockExpiresAt) {
		v.LockHolder = ""
		v.LockExpiresAt = nil
	}
}

// Subscribe registers a subscriber. Empty key means every mutation.
func (s *Store) Subscribe(key string, fn Subscriber) string {
	id := ids.NewUUID()
	s.mu.Lock()
	s.subs[id] = &subscription{id: id, key: key, fn: fn}
	s.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription by id.
func (s *Store) Unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// notify fans an event out to matching subscribers outside the store lock.
func (s *Store) notify(e Event) {
	s.mu.Lock()
	targets := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.key == "" || sub.key == e.Key {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("key", e.Key).Interface("panic", r).Msg("kv subscriber panicked")
				}
			}()
			sub.fn(e)
		}()
	}
}

// Keys returns all keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

// Stats returns a copy of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, ErrNotNumeric
	}
}

func equalValues(a, b any) bool {
	af, aerr := asFloat(a)
	bf, berr := asFloat(b)
	if aerr == nil && berr == nil {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
