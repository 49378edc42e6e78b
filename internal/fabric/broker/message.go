// Package broker implements the in-process message fabric: pub/sub topics,
// per-agent priority mailboxes, request/response correlation, and broadcast.
package broker

import (
	"fmt"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

// Kind classifies a message.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindEvent     Kind = "event"
	KindBroadcast Kind = "broadcast"
	KindHeartbeat Kind = "heartbeat"
	KindError     Kind = "error"
)

// Priority orders mailbox delivery. Higher dequeues first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// Message is the unit of fabric communication. Read-only after publish.
type Message struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"type"`
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id,omitempty"` // empty = broadcast
	Topic         string         `json:"topic"`
	Payload       any            `json:"payload"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	TTLSeconds    *float64       `json:"ttl_seconds,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message with defaults filled.
func NewMessage(kind Kind, sender, receiver, topic string, payload any) *Message {
	return &Message{
		ID:        ids.NewMessageID(),
		Kind:      kind,
		SenderID:  sender,
		ReceiverID: receiver,
		Topic:     topic,
		Payload:   payload,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
}

// IsExpired reports whether the TTL has elapsed at the given instant.
func (m *Message) IsExpired(now time.Time) bool {
	if m.TTLSeconds == nil {
		return false
	}
	return now.Sub(m.Timestamp).Seconds() > *m.TTLSeconds
}

// ResponseTo builds a response: correlation id set to the original's id,
// sender/receiver swapped.
func (m *Message) ResponseTo(payload any) *Message {
	return &Message{
		ID:            ids.NewMessageID(),
		Kind:          KindResponse,
		SenderID:      m.ReceiverID,
		ReceiverID:    m.SenderID,
		Topic:         m.Topic,
		Payload:       payload,
		Priority:      PriorityHigh,
		CorrelationID: m.ID,
		Timestamp:     time.Now().UTC(),
	}
}

// Copy returns a shallow copy (broadcast delivers one per recipient).
func (m *Message) Copy() *Message {
	c := *m
	return &c
}

// ToMap serializes for transport: receiver_id, correlation_id and
// ttl_seconds are explicit nulls when absent, timestamps are ISO8601 UTC.
func (m *Message) ToMap() map[string]any {
	out := map[string]any{
		"id":        m.ID,
		"type":      string(m.Kind),
		"sender_id": m.SenderID,
		"topic":     m.Topic,
		"payload":   m.Payload,
		"priority":  int(m.Priority),
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":  m.Metadata,
	}
	if m.ReceiverID != "" {
		out["receiver_id"] = m.ReceiverID
	} else {
		out["receiver_id"] = nil
	}
	if m.CorrelationID != "" {
		out["correlation_id"] = m.CorrelationID
	} else {
		out["correlation_id"] = nil
	}
	if m.TTLSeconds != nil {
		out["ttl_seconds"] = *m.TTLSeconds
	} else {
		out["ttl_seconds"] = nil
	}
	return out
}

// FromMap rebuilds a message from its ToMap form.
func FromMap(raw map[string]any) (*Message, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("message map missing id")
	}
	kind, _ := raw["type"].(string)
	m := &Message{
		ID:       id,
		Kind:     Kind(kind),
		SenderID: str(raw["sender_id"]),
		Topic:    str(raw["topic"]),
		Payload:  raw["payload"],
	}
	m.ReceiverID = str(raw["receiver_id"])
	m.CorrelationID = str(raw["correlation_id"])
	switch p := raw["priority"].(type) {
	case int:
		m.Priority = Priority(p)
	case float64:
		m.Priority = Priority(int(p))
	default:
		m.Priority = PriorityNormal
	}
	if ts := str(raw["timestamp"]); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp: %w", err)
		}
		m.Timestamp = t
	}
	switch ttl := raw["ttl_seconds"].(type) {
	case float64:
		m.TTLSeconds = &ttl
	case int:
		f := float64(ttl)
		m.TTLSeconds = &f
	}
	if md, ok := raw["metadata"].(map[string]any); ok {
		m.Metadata = md
	}
	return m, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// AgentInfo describes a registered agent. One-to-one with a mailbox.
type AgentInfo struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RegisteredAt time.Time      `json:"registered_at"`
	LastSeen     time.Time      `json:"last_seen"`
	Status       string         `json:"status"`
}
