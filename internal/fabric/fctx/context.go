// Package fctx implements scoped shared contexts with inheritance, a current-
// context stack, and expiry cleanup. Parents are stored by id, never by
// pointer, and resolved through the manager.
package fctx

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

// Scope classifies context lifetime.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeSession Scope = "session"
	ScopeRequest Scope = "request"
	ScopeAgent   Scope = "agent"
	ScopeTask    Scope = "task"
)

// GlobalID is the id of the indestructible root context.
const GlobalID = "global"

// ErrUnknownContext is returned for lookups of missing ids.
var ErrUnknownContext = errors.New("unknown context")

// Context is a scoped data container.
type Context struct {
	ID        string         `json:"id"`
	Scope     Scope          `json:"scope"`
	ParentID  string         `json:"parent_id,omitempty"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// ToMap serializes the context for transport.
func (c *Context) ToMap() map[string]any {
	out := map[string]any{
		"id":         c.ID,
		"scope":      string(c.Scope),
		"parent_id":  c.ParentID,
		"data":       c.Data,
		"created_at": c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"created_by": c.CreatedBy,
		"tags":       c.Tags,
	}
	if c.ExpiresAt != nil {
		out["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// FromMap rebuilds a context from its ToMap form.
func FromMap(m map[string]any) (*Context, error) {
	id, _ := m["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("context map missing id")
	}
	scope, _ := m["scope"].(string)
	c := &Context{
		ID:       id,
		Scope:    Scope(scope),
		ParentID: asString(m["parent_id"]),
	}
	if data, ok := m["data"].(map[string]any); ok {
		c.Data = data
	} else {
		c.Data = map[string]any{}
	}
	if raw := asString(m["created_at"]); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("bad created_at: %w", err)
		}
		c.CreatedAt = t
	}
	c.CreatedBy = asString(m["created_by"])
	if raw := asString(m["expires_at"]); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("bad expires_at: %w", err)
		}
		c.ExpiresAt = &t
	}
	if tags, ok := m["tags"].([]string); ok {
		c.Tags = tags
	} else if raw, ok := m["tags"].([]any); ok {
		for _, v := range raw {
			c.Tags = append(c.Tags, asString(v))
		}
	}
	return c, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// Manager owns all contexts and the current-context stack.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	stack    []string
	clock    ids.Clock
}

// NewManager creates a manager seeded with the indestructible global context.
func NewManager() *Manager {
	m := &Manager{
		contexts: make(map[string]*Context),
		clock:    ids.RealClock{},
	}
	m.contexts[GlobalID] = &Context{
		ID:        GlobalID,
		Scope:     ScopeGlobal,
		Data:      map[string]any{},
		CreatedAt: m.clock.Now(),
		CreatedBy: "system",
	}
	return m
}

// SetClock replaces the clock (test hook).
func (m *Manager) SetClock(c ids.Clock) {
	m.mu.Lock()
	m.clock = c
	m.mu.Unlock()
}

// CreateOptions configures Create.
type CreateOptions struct {
	ParentID    string
	Data        map[string]any
	InheritData bool
	CreatedBy   string
	TTL         time.Duration
	Tags        []string
}

// Create makes a new context. Without an explicit parent the current context
// (or global) is the parent. InheritData shallow-copies the parent data map.
func (m *Manager) Create(scope Scope, opts CreateOptions) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parentID := opts.ParentID
	if parentID == "" {
		parentID = m.currentLocked()
	}
	parent, ok := m.contexts[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", ErrUnknownContext, parentID)
	}

	now := m.clock.Now()
	c := &Context{
		ID:        ids.NewUUID(),
		Scope:     scope,
		ParentID:  parent.ID,
		Data:      map[string]any{},
		CreatedAt: now,
		CreatedBy: opts.CreatedBy,
		Tags:      opts.Tags,
	}
	if opts.InheritData {
		for k, v := range parent.Data {
			c.Data[k] = v
		}
	}
	for k, v := range opts.Data {
		c.Data[k] = v
	}
	if opts.TTL > 0 {
		exp := now.Add(opts.TTL)
		c.ExpiresAt = &exp
	}
	m.contexts[c.ID] = c
	return c, nil
}

// Get returns a context by id.
func (m *Manager) Get(id string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}
	return c, nil
}

// Current returns the active context, falling back to global.
func (m *Manager) Current() *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contexts[m.currentLocked()]
}

func (m *Manager) currentLocked() string {
	if len(m.stack) == 0 {
		return GlobalID
	}
	return m.stack[len(m.stack)-1]
}

// Use runs fn with id as the current context, restoring the previous current
// even when fn returns an error or panics.
func (m *Manager) Use(id string, fn func(*Context) error) error {
	m.mu.Lock()
	c, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}
	m.stack = append(m.stack, id)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		for i := len(m.stack) - 1; i >= 0; i-- {
			if m.stack[i] == id {
				m.stack = append(m.stack[:i], m.stack[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}()
	return fn(c)
}

// SetValue writes a key into a context's data map.
func (m *Manager) SetValue(id, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}
	c.Data[key] = value
	return nil
}

// Value reads a key, walking up the parent chain when absent locally.
func (m *Manager) Value(id, key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id != "" {
		c, ok := m.contexts[id]
		if !ok {
			return nil, false
		}
		if v, ok := c.Data[key]; ok {
			return v, true
		}
		id = c.ParentID
	}
	return nil, false
}

// Share copies keys (or everything when keys is empty) from src to dst.
func (m *Manager) Share(srcID, dstID string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.contexts[srcID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, srcID)
	}
	dst, ok := m.contexts[dstID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, dstID)
	}
	if len(keys) == 0 {
		for k, v := range src.Data {
			dst.Data[k] = v
		}
		return nil
	}
	for _, k := range keys {
		if v, ok := src.Data[k]; ok {
			dst.Data[k] = v
		}
	}
	return nil
}

// Lineage returns the chain from id up to the root, id first.
func (m *Manager) Lineage(id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.contexts[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}
	var chain []string
	for id != "" {
		c, ok := m.contexts[id]
		if !ok {
			break
		}
		chain = append(chain, c.ID)
		id = c.ParentID
	}
	return chain, nil
}

// Delete removes a context. Deleting the global context is a no-op.
func (m *Manager) Delete(id string) {
	if id == GlobalID {
		return
	}
	m.mu.Lock()
	delete(m.contexts, id)
	m.mu.Unlock()
}

// CleanupExpired removes contexts past their expiry, returning the count.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	removed := 0
	for id, c := range m.contexts {
		if id == GlobalID || c.ExpiresAt == nil {
			continue
		}
		if now.After(*c.ExpiresAt) {
			delete(m.contexts, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live contexts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}
