package kv

import (
	"fmt"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

// OpType is a transaction operation kind.
type OpType string

const (
	OpSet       OpType = "SET"
	OpDelete    OpType = "DELETE"
	OpIncrement OpType = "INCREMENT"
)

// Op is one queued transaction operation.
type Op struct {
	Type  OpType  `json:"type"`
	Key   string  `json:"key"`
	Value any     `json:"value,omitempty"`
	Delta float64 `json:"delta,omitempty"`
}

// Transaction collects operations and commits them atomically. Subscribers
// observe either the pre-commit or post-commit state; per-op notifications
// are dispatched in log order after the commit completes.
type Transaction struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Ops       []Op      `json:"ops"`
	StartedAt time.Time `json:"started_at"`
	Committed bool      `json:"committed"`
	store     *Store
}

// Begin starts a transaction for an agent.
func (s *Store) Begin(agentID string) *Transaction {
	return &Transaction{
		ID:        ids.NewUUID(),
		AgentID:   agentID,
		StartedAt: s.clock.Now(),
		store:     s,
	}
}

// Set queues a SET.
func (t *Transaction) Set(key string, value any) *Transaction {
	t.Ops = append(t.Ops, Op{Type: OpSet, Key: key, Value: value})
	return t
}

// Delete queues a DELETE.
func (t *Transaction) Delete(key string) *Transaction {
	t.Ops = append(t.Ops, Op{Type: OpDelete, Key: key})
	return t
}

// Increment queues an INCREMENT.
func (t *Transaction) Increment(key string, delta float64) *Transaction {
	t.Ops = append(t.Ops, Op{Type: OpIncrement, Key: key, Delta: delta})
	return t
}

// Commit replays the queued ops in order under the store lock. On failure the
// pre-transaction state of every touched key is restored and a
// TRANSACTION_ROLLBACK event is emitted.
func (t *Transaction) Commit() error {
	if t.Committed {
		return fmt.Errorf("transaction %s already committed", t.ID)
	}
	s := t.store

	s.mu.Lock()
	now := s.clock.Now()
	s.stats.Transactions++

	// Snapshot touched keys for rollback.
	snapshot := make(map[string]*Value, len(t.Ops))
	for _, op := range t.Ops {
		if _, seen := snapshot[op.Key]; seen {
			continue
		}
		if v, ok := s.data[op.Key]; ok {
			copied := *v
			snapshot[op.Key] = &copied
		} else {
			snapshot[op.Key] = nil
		}
	}

	var events []Event
	var failed error
	for _, op := range t.Ops {
		v, exists := s.data[op.Key]
		if exists {
			s.expireLockLocked(v, now)
			if v.LockHolder != "" && v.LockHolder != t.AgentID {
				failed = fmt.Errorf("tx %s op %s %s: %w", t.ID, op.Type, op.Key, ErrLockHeld)
				break
			}
		}
		switch op.Type {
		case OpSet:
			if exists {
				resolved, err := s.resolveLocked(v.Value, op.Value)
				if err != nil {
					failed = fmt.Errorf("tx %s op SET %s: %w", t.ID, op.Key, err)
					break
				}
				v.Value = resolved
				v.Version++
				v.UpdatedAt = now
				v.UpdatedBy = t.AgentID
			} else {
				s.data[op.Key] = &Value{Value: op.Value, Version: 1, CreatedAt: now, UpdatedAt: now, UpdatedBy: t.AgentID}
			}
			events = append(events, Event{Type: EventSet, Key: op.Key, Value: s.data[op.Key].Value, Version: s.data[op.Key].Version, AgentID: t.AgentID, At: now})

		case OpDelete:
			if exists {
				version := v.Version
				delete(s.data, op.Key)
				events = append(events, Event{Type: EventDelete, Key: op.Key, Version: version, AgentID: t.AgentID, At: now})
			}

		case OpIncrement:
			var current float64
			if exists {
				num, err := asFloat(v.Value)
				if err != nil {
					failed = fmt.Errorf("tx %s op INCREMENT %s: %w", t.ID, op.Key, err)
					break
				}
				current = num
			}
			next := current + op.Delta
			if exists {
				v.Value = next
				v.Version++
				v.UpdatedAt = now
				v.UpdatedBy = t.AgentID
			} else {
				s.data[op.Key] = &Value{Value: next, Version: 1, CreatedAt: now, UpdatedAt: now, UpdatedBy: t.AgentID}
			}
			events = append(events, Event{Type: EventIncrement, Key: op.Key, Value: next, Version: s.data[op.Key].Version, AgentID: t.AgentID, At: now})

		default:
			failed = fmt.Errorf("tx %s: unknown op type %q", t.ID, op.Type)
		}
		if failed != nil {
			break
		}
	}

	if failed != nil {
		s.stats.Rollbacks++
		for key, prev := range snapshot {
			if prev == nil {
				delete(s.data, key)
			} else {
				restored := *prev
				s.data[key] = &restored
			}
		}
		s.mu.Unlock()
		s.notify(Event{Type: EventRollback, Key: "", AgentID: t.AgentID, At: now})
		return failed
	}

	t.Committed = true
	s.vclock[s.nodeID]++
	s.mu.Unlock()

	for _, e := range events {
		s.notify(e)
	}
	return nil
}
