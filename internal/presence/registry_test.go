package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	agentA   = Identity{Role: RoleAgent, BusinessID: "biz", ID: "a1"}
	adminB   = Identity{Role: RoleAgent, BusinessID: "biz", ID: "boss"}
	visitorV = Identity{Role: RoleVisitor, BusinessID: "biz", ID: "v1"}
)

func TestRegistry_MultipleHandlesPerIdentity(t *testing.T) {
	r := NewRegistry()
	tab1 := NewChannelHandle(agentA, 4)
	tab2 := NewChannelHandle(agentA, 4)

	assert.True(t, r.Register(tab1, false))
	assert.False(t, r.Register(tab2, false))
	assert.Equal(t, 2, r.Count(agentA))

	id, last, ok := r.Unregister(tab1.ID())
	require.True(t, ok)
	assert.False(t, last)
	assert.Equal(t, agentA, id)
	assert.True(t, r.IsOnline(agentA))

	_, last, ok = r.Unregister(tab2.ID())
	require.True(t, ok)
	assert.True(t, last)
	assert.False(t, r.IsOnline(agentA))

	_, _, ok = r.Unregister(tab2.ID())
	assert.False(t, ok)
}

func TestRegistry_IdentityScopedByBusiness(t *testing.T) {
	r := NewRegistry()
	r.Register(NewChannelHandle(visitorV, 1), false)

	other := visitorV
	other.BusinessID = "elsewhere"
	assert.False(t, r.IsOnline(other))
}

func TestRegistry_SendFansOutToEveryHandle(t *testing.T) {
	r := NewRegistry()
	tab1 := NewChannelHandle(agentA, 4)
	tab2 := NewChannelHandle(agentA, 4)
	r.Register(tab1, false)
	r.Register(tab2, false)

	n := r.Send(agentA, Frame{Type: "workload_updated", Payload: map[string]int{"current": 1}})
	assert.Equal(t, 2, n)
	assert.Len(t, tab1.Drain(), 1)
	assert.Len(t, tab2.Drain(), 1)
}

func TestRegistry_SendDropsOnFullOrClosedHandle(t *testing.T) {
	r := NewRegistry()
	h := NewChannelHandle(agentA, 1)
	r.Register(h, false)

	assert.Equal(t, 1, r.Send(agentA, Frame{Type: "x"}))
	assert.Equal(t, 0, r.Send(agentA, Frame{Type: "y"}))

	h.Drain()
	h.Close()
	assert.Equal(t, 0, r.Send(agentA, Frame{Type: "z"}))
}

func TestRegistry_SendRoleAndList(t *testing.T) {
	r := NewRegistry()
	regular := NewChannelHandle(agentA, 4)
	admin := NewChannelHandle(adminB, 4)
	visitor := NewChannelHandle(visitorV, 4)
	r.Register(regular, false)
	r.Register(admin, true)
	r.Register(visitor, false)

	assert.Equal(t, 2, r.SendRole(RoleAgent, "biz", false, Frame{Type: "new_visitor"}))
	assert.Equal(t, 1, r.SendRole(RoleAgent, "biz", true, Frame{Type: "admin_only"}))
	assert.Empty(t, visitor.Drain())

	agents := r.List(RoleAgent, "biz")
	require.Len(t, agents, 2)
	assert.Equal(t, "boss", agents[1].Identity.ID)
	assert.True(t, agents[1].Admin)

	admin2, ok := r.CachedAdmin(adminB)
	assert.True(t, ok)
	assert.True(t, admin2)

	assert.Len(t, r.List(RoleVisitor, ""), 1)
	assert.Len(t, r.Handles(), 3)
}

func TestLocalLedger_CountsRegistry(t *testing.T) {
	r := NewRegistry()
	l := NewLocalLedger(r)
	ctx := context.Background()

	h := NewChannelHandle(agentA, 1)
	r.Register(h, false)
	require.NoError(t, l.Add(ctx, agentA, h.ID()))

	n, err := l.Count(ctx, agentA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.Unregister(h.ID())
	n, err = l.Count(ctx, agentA)
	require.NoError(t, err)
	assert.Zero(t, n)
}
