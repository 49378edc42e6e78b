package kv

import (
	"time"
)

// PeerEntry is a key state shipped from a peer node.
type PeerEntry struct {
	Value     any       `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// VectorClock returns a copy of the node's vector clock.
func (s *Store) VectorClock() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.vclock))
	for k, v := range s.vclock {
		out[k] = v
	}
	return out
}

// NodeID returns this store's node identifier.
func (s *Store) NodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeID
}

// SyncFromPeer merges peer state: the vector clock is merged by elementwise
// max, and a peer value is applied only when its UpdatedAt exceeds the local
// one. Eager replication is out of scope; this single merge entry point is
// the whole distributed contract.
func (s *Store) SyncFromPeer(peerID string, data map[string]PeerEntry, peerClock map[string]int64) int {
	s.mu.Lock()

	for node, count := range peerClock {
		if count > s.vclock[node] {
			s.vclock[node] = count
		}
	}

	applied := 0
	var events []Event
	now := s.clock.Now()
	for key, entry := range data {
		local, exists := s.data[key]
		if exists && !entry.UpdatedAt.After(local.UpdatedAt) {
			continue
		}
		if exists {
			local.Value = entry.Value
			local.Version++
			local.UpdatedAt = entry.UpdatedAt
			local.UpdatedBy = entry.UpdatedBy
		} else {
			s.data[key] = &Value{
				Value:     entry.Value,
				Version:   1,
				CreatedAt: entry.UpdatedAt,
				UpdatedAt: entry.UpdatedAt,
				UpdatedBy: entry.UpdatedBy,
			}
		}
		applied++
		events = append(events, Event{
			Type: EventSet, Key: key, Value: entry.Value,
			Version: s.data[key].Version, AgentID: peerID, At: now,
		})
	}
	s.mu.Unlock()

	for _, e := range events {
		s.notify(e)
	}
	return applied
}
