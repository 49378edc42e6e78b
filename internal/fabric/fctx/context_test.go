package fctx

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/ids"
)

func TestGlobalContextExists(t *testing.T) {
	m := NewManager()
	g, err := m.Get(GlobalID)
	require.NoError(t, err)
	assert.Equal(t, ScopeGlobal, g.Scope)
	assert.Equal(t, g, m.Current())
}

func TestGlobalIsIndestructible(t *testing.T) {
	m := NewManager()
	m.Delete(GlobalID)
	_, err := m.Get(GlobalID)
	assert.NoError(t, err)
}

func TestInheritance(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetValue(GlobalID, "env", "prod"))

	child, err := m.Create(ScopeSession, CreateOptions{InheritData: true, Data: map[string]any{"user": "alpha"}})
	require.NoError(t, err)
	assert.Equal(t, "prod", child.Data["env"])
	assert.Equal(t, "alpha", child.Data["user"])
	assert.Equal(t, GlobalID, child.ParentID)

	// Inheritance is a copy at creation, not a live view.
	require.NoError(t, m.SetValue(GlobalID, "env", "staging"))
	assert.Equal(t, "prod", child.Data["env"])
}

func TestNoInherit(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetValue(GlobalID, "env", "prod"))
	child, err := m.Create(ScopeTask, CreateOptions{InheritData: false})
	require.NoError(t, err)
	_, ok := child.Data["env"]
	assert.False(t, ok)
}

func TestValueWalksParentChain(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.SetValue(GlobalID, "region", "eu"))
	session, err := m.Create(ScopeSession, CreateOptions{})
	require.NoError(t, err)
	task, err := m.Create(ScopeTask, CreateOptions{ParentID: session.ID})
	require.NoError(t, err)

	v, ok := m.Value(task.ID, "region")
	require.True(t, ok)
	assert.Equal(t, "eu", v)
}

func TestUseRestoresCurrentOnError(t *testing.T) {
	m := NewManager()
	c, err := m.Create(ScopeRequest, CreateOptions{})
	require.NoError(t, err)

	errBoom := errors.New("boom")
	err = m.Use(c.ID, func(cur *Context) error {
		assert.Equal(t, c.ID, m.Current().ID)
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, GlobalID, m.Current().ID)
}

func TestUseNested(t *testing.T) {
	m := NewManager()
	outer, _ := m.Create(ScopeSession, CreateOptions{})
	inner, _ := m.Create(ScopeTask, CreateOptions{ParentID: outer.ID})

	require.NoError(t, m.Use(outer.ID, func(*Context) error {
		return m.Use(inner.ID, func(*Context) error {
			assert.Equal(t, inner.ID, m.Current().ID)
			return nil
		})
	}))
	assert.Equal(t, GlobalID, m.Current().ID)
}

func TestCurrentIsDefaultParent(t *testing.T) {
	m := NewManager()
	session, _ := m.Create(ScopeSession, CreateOptions{})

	var child *Context
	require.NoError(t, m.Use(session.ID, func(*Context) error {
		var err error
		child, err = m.Create(ScopeTask, CreateOptions{})
		return err
	}))
	assert.Equal(t, session.ID, child.ParentID)
}

func TestShareSelectedKeys(t *testing.T) {
	m := NewManager()
	a, _ := m.Create(ScopeAgent, CreateOptions{Data: map[string]any{"x": 1, "y": 2}})
	b, _ := m.Create(ScopeAgent, CreateOptions{})

	require.NoError(t, m.Share(a.ID, b.ID, "x"))
	assert.Equal(t, 1, b.Data["x"])
	_, ok := b.Data["y"]
	assert.False(t, ok)
}

func TestLineage(t *testing.T) {
	m := NewManager()
	s, _ := m.Create(ScopeSession, CreateOptions{})
	r, _ := m.Create(ScopeRequest, CreateOptions{ParentID: s.ID})

	chain, err := m.Lineage(r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID, s.ID, GlobalID}, chain)
}

func TestCleanupExpired(t *testing.T) {
	m := NewManager()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	m.SetClock(ids.FixedClock{T: base})

	_, err := m.Create(ScopeTask, CreateOptions{TTL: time.Minute})
	require.NoError(t, err)
	keeper, err := m.Create(ScopeTask, CreateOptions{})
	require.NoError(t, err)

	m.SetClock(ids.FixedClock{T: base.Add(2 * time.Minute)})
	removed := m.CleanupExpired()
	assert.Equal(t, 1, removed)

	_, err = m.Get(keeper.ID)
	assert.NoError(t, err)
}

func TestMapRoundTrip(t *testing.T) {
	exp := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	c := &Context{
		ID:        "ctx-1",
		Scope:     ScopeRequest,
		ParentID:  GlobalID,
		Data:      map[string]any{"k": "v"},
		CreatedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		CreatedBy: "agent-a",
		ExpiresAt: &exp,
		Tags:      []string{"job"},
	}
	back, err := FromMap(c.ToMap())
	require.NoError(t, err)
	assert.Equal(t, c, back)
}

func TestMapRoundTripThroughJSON(t *testing.T) {
	c := &Context{
		ID:        "ctx-2",
		Scope:     ScopeTask,
		Data:      map[string]any{"n": "x"},
		CreatedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(c.ToMap())
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	back, err := FromMap(decoded)
	require.NoError(t, err)
	assert.Equal(t, c.ID, back.ID)
	assert.Equal(t, c.Scope, back.Scope)
	assert.Equal(t, c.Data, back.Data)
	assert.True(t, c.CreatedAt.Equal(back.CreatedAt))
}
