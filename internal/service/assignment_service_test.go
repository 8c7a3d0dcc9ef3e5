package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/presence"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

func TestAssignVisitor_PicksLeastLoadedRegular(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 3, true)
	h.addAgent("a2", domain.AgentTierRegular, 3, true)
	_, err := h.store.Agents().IncrementLoad(h.ctx, "a1")
	require.NoError(t, err)

	result := h.assignVisitor("v1", domain.PriorityNormal)

	assert.Equal(t, ActionAssigned, result.Action)
	require.NotNil(t, result.Agent)
	assert.Equal(t, "a2", result.Agent.ID)
	assert.Equal(t, TierRegular, result.Tier)
	assert.Equal(t, domain.SessionStateAssigned, result.Session.State)
	assert.Equal(t, 1, h.agent("a2").CurrentLoad)
	assert.NotNil(t, h.agent("a2").LastAssignedAt)

	assigned := h.events.Events(events.EventVisitorAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, result.Session.ID, assigned[0].SessionID)
	assert.Len(t, h.notes.For(presence.RoleVisitor, "v1"), 1)
	assert.Len(t, h.notes.Sent(FrameNewVisitor), 1)
}

func TestAssignVisitor_IdempotentReentry(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 2, true)

	first := h.assignVisitor("v1", domain.PriorityNormal)
	second := h.assignVisitor("v1", domain.PriorityNormal)

	assert.Equal(t, first.Session.ID, second.Session.ID)
	require.NotNil(t, second.Session.AgentID)
	assert.Equal(t, *first.Session.AgentID, *second.Session.AgentID)
	assert.True(t, second.Resumed)
	assert.Equal(t, 1, h.agent("a1").CurrentLoad)
	assert.Len(t, h.events.Events(events.EventVisitorAssigned), 1)
}

func TestAssignVisitor_FallsBackToAdmin(t *testing.T) {
	h := newHarness(t)
	h.addAgent("reg", domain.AgentTierRegular, 2, false)
	h.addAgent("adm", domain.AgentTierAdmin, 0, true)

	result := h.assignVisitor("v1", domain.PriorityNormal)

	assert.Equal(t, ActionAssigned, result.Action)
	assert.Equal(t, "adm", result.Agent.ID)
	assert.Equal(t, TierAdmin, result.Tier)
	assert.Equal(t, 0, h.agent("adm").CurrentLoad)
}

func TestAssignVisitor_AdminAbsorbsOverflow(t *testing.T) {
	h := newHarness(t)
	h.addAgent("reg", domain.AgentTierRegular, 1, true)
	h.addAgent("adm", domain.AgentTierManager, 0, true)

	first := h.assignVisitor("v1", domain.PriorityNormal)
	second := h.assignVisitor("v2", domain.PriorityNormal)
	third := h.assignVisitor("v3", domain.PriorityNormal)

	assert.Equal(t, "reg", first.Agent.ID)
	assert.Equal(t, "adm", second.Agent.ID)
	assert.Equal(t, "adm", third.Agent.ID)
	assert.Equal(t, 1, h.agent("reg").CurrentLoad)
}

func TestAssignVisitor_QueuesWhenNobodyOnline(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 2, false)

	result := h.assignVisitor("v1", domain.PriorityNormal)

	assert.Equal(t, ActionQueued, result.Action)
	assert.Equal(t, TierNone, result.Tier)
	assert.Equal(t, 1, result.Position)
	assert.Equal(t, domain.ETAUnknown, result.EstimatedWait)
	assert.Nil(t, result.Session.AgentID)
	assert.Equal(t, domain.SessionStateWaiting, h.session(result.Session.ID).State)

	queued := h.notes.For(presence.RoleVisitor, "v1")
	require.Len(t, queued, 1)
	assert.Equal(t, FrameQueued, queued[0].Frame.Type)
}

func TestAssignVisitor_Rejections(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 2, true)

	_, err := h.assign.AssignVisitor(h.ctx, AssignRequest{VisitorID: "v1", BusinessID: "nope"})
	assert.True(t, apperrors.HasCode(err, "NOT_FOUND"))

	_, err = h.assign.AssignVisitor(h.ctx, AssignRequest{VisitorID: "", BusinessID: testBusiness})
	assert.True(t, apperrors.HasCode(err, "VALIDATION_FAILED"))

	_, err = h.assign.AssignVisitor(h.ctx, AssignRequest{VisitorID: "v1", BusinessID: testBusiness, Priority: 7})
	assert.True(t, apperrors.HasCode(err, "VALIDATION_FAILED"))

	h.store.PutAgent(domain.Agent{ID: "other", BusinessID: "globex", Tier: domain.AgentTierRegular, MaxCapacity: 1, Online: true})
	_, err = h.assign.AssignVisitor(h.ctx, AssignRequest{VisitorID: "v1", BusinessID: testBusiness, ExclusiveAgentID: "other"})
	assert.True(t, apperrors.HasCode(err, "AGENT_BUSINESS_MISMATCH"))

	assert.Empty(t, h.events.Events())
	assert.Equal(t, 0, h.agent("a1").CurrentLoad)
}

func TestAssignVisitor_Blacklisted(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 2, true)
	require.NoError(t, h.sessions.Blacklist(h.ctx, "v1", testBusiness, "a1"))

	result := h.assignVisitor("v1", domain.PriorityNormal)

	assert.Equal(t, ActionBlacklisted, result.Action)
	assert.Nil(t, result.Session)
	assert.Equal(t, 0, h.agent("a1").CurrentLoad)
	assert.EqualValues(t, 1, h.metrics.EngineCount("assignment", "blacklisted"))
}

func TestAssignVisitor_ExclusiveAgentOnline(t *testing.T) {
	h := newHarness(t)
	h.addAgent("e", domain.AgentTierRegular, 2, true)
	h.addAgent("idle", domain.AgentTierRegular, 2, true)
	h.connect("e")

	result, err := h.assign.AssignVisitor(h.ctx, AssignRequest{VisitorID: "v1", BusinessID: testBusiness, ExclusiveAgentID: "e"})
	require.NoError(t, err)

	assert.Equal(t, ActionAssigned, result.Action)
	assert.True(t, result.AgentOnline)
	assert.True(t, result.Session.Exclusive)
	assert.Equal(t, "e", *result.Session.ExclusiveAgentID)
	assert.Equal(t, 1, h.agent("e").CurrentLoad)
	assert.Equal(t, 0, h.agent("idle").CurrentLoad)
	assert.Empty(t, h.events.Events(events.EventExclusiveAgentAbsent))
}

func TestAssignVisitor_ExclusiveAgentOffline(t *testing.T) {
	h := newHarness(t)
	h.addAgent("e", domain.AgentTierRegular, 2, false)

	result, err := h.assign.AssignVisitor(h.ctx, AssignRequest{VisitorID: "v1", BusinessID: testBusiness, ExclusiveAgentID: "e"})
	require.NoError(t, err)

	assert.Equal(t, ActionAssigned, result.Action)
	assert.False(t, result.AgentOnline)
	assert.True(t, result.Session.AssignedTo("e"))
	assert.Equal(t, 0, h.agent("e").CurrentLoad)
	assert.Len(t, h.events.Events(events.EventExclusiveAgentAbsent), 1)
	assert.Len(t, h.notes.Sent(FrameAgentOffline), 1)
}

func TestProcessQueue_DrainsInQueueOrder(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 2, false)

	v1 := h.assignVisitor("v1", domain.PriorityNormal)
	v2 := h.assignVisitor("v2", domain.PriorityUrgent)
	v3 := h.assignVisitor("v3", domain.PriorityNormal)
	require.Equal(t, ActionQueued, v3.Action)

	positions := map[string]int{}
	waiting, err := h.store.Sessions().ListWaiting(h.ctx, testBusiness)
	require.NoError(t, err)
	for i, s := range waiting {
		require.NotNil(t, s.QueuePosition)
		assert.Equal(t, i+1, *s.QueuePosition, "stored position matches canonical order")
		positions[s.VisitorID] = *s.QueuePosition
	}
	assert.Equal(t, map[string]int{"v2": 1, "v1": 2, "v3": 3}, positions)

	require.NoError(t, h.store.Agents().SetOnline(h.ctx, "a1", true))
	assigned, err := h.assign.ProcessQueue(h.ctx, testBusiness)
	require.NoError(t, err)

	assert.Equal(t, 2, assigned)
	assert.True(t, h.session(v2.Session.ID).AssignedTo("a1"))
	assert.True(t, h.session(v1.Session.ID).AssignedTo("a1"))
	left := h.session(v3.Session.ID)
	assert.Equal(t, domain.SessionStateWaiting, left.State)
	require.NotNil(t, left.QueuePosition)
	assert.Equal(t, 1, *left.QueuePosition)
	assert.Equal(t, 300, left.EstimatedWait)
	assert.Equal(t, 2, h.agent("a1").CurrentLoad)
}

func TestProcessQueue_SkipsWhenEveryoneFull(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 1, true)
	h.assignVisitor("v1", domain.PriorityNormal)
	queued := h.assignVisitor("v2", domain.PriorityNormal)
	require.Equal(t, ActionQueued, queued.Action)

	assigned, err := h.assign.ProcessQueue(h.ctx, testBusiness)
	require.NoError(t, err)
	assert.Zero(t, assigned)
	assert.Equal(t, 1, h.agent("a1").CurrentLoad)
}

func TestCheckReplyPermission(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 2, true)
	h.addAgent("a2", domain.AgentTierRegular, 2, false)
	h.addAgent("adm", domain.AgentTierAdmin, 0, true)
	h.store.PutAgent(domain.Agent{ID: "other", BusinessID: "globex", Tier: domain.AgentTierRegular, MaxCapacity: 1})
	h.assignVisitor("v1", domain.PriorityNormal)
	h.store.PutSession(domain.Session{ID: "fallback", VisitorID: "v3", BusinessID: testBusiness, State: domain.SessionStateAssigned})

	perm, err := h.assign.CheckReplyPermission(h.ctx, "a1", "v1", testBusiness)
	require.NoError(t, err)
	assert.True(t, perm.Allowed)

	perm, err = h.assign.CheckReplyPermission(h.ctx, "a2", "v1", testBusiness)
	require.NoError(t, err)
	assert.False(t, perm.Allowed)
	require.NotNil(t, perm.CurrentAgentID)
	assert.Equal(t, "a1", *perm.CurrentAgentID)

	perm, err = h.assign.CheckReplyPermission(h.ctx, "adm", "v3", testBusiness)
	require.NoError(t, err)
	assert.True(t, perm.Allowed)

	perm, err = h.assign.CheckReplyPermission(h.ctx, "a2", "v3", testBusiness)
	require.NoError(t, err)
	assert.False(t, perm.Allowed)

	perm, err = h.assign.CheckReplyPermission(h.ctx, "a2", "nobody", testBusiness)
	require.NoError(t, err)
	assert.True(t, perm.Allowed)

	perm, err = h.assign.CheckReplyPermission(h.ctx, "other", "v1", testBusiness)
	require.NoError(t, err)
	assert.False(t, perm.Allowed)

	perm, err = h.assign.CheckReplyPermission(h.ctx, "ghost", "v1", testBusiness)
	require.NoError(t, err)
	assert.False(t, perm.Allowed)
}

func TestListAgentSessions(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a1", domain.AgentTierRegular, 2, true)
	h.addAgent("adm", domain.AgentTierAdmin, 0, false)
	h.assignVisitor("v1", domain.PriorityNormal)
	h.store.PutSession(domain.Session{ID: "fallback", VisitorID: "v2", BusinessID: testBusiness, State: domain.SessionStateAssigned})

	mine, err := h.assign.ListAgentSessions(h.ctx, "a1", true)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "v1", mine[0].Session.VisitorID)
	assert.True(t, mine[0].IsMine)
	assert.True(t, mine[0].CanReply)

	all, err := h.assign.ListAgentSessions(h.ctx, "adm", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	byVisitor := map[string]AgentSessionView{}
	for _, v := range all {
		byVisitor[v.Session.VisitorID] = v
	}
	assert.False(t, byVisitor["v1"].CanReply)
	assert.True(t, byVisitor["v2"].CanReply)

	own, err := h.assign.ListAgentSessions(h.ctx, "adm", false)
	require.NoError(t, err)
	assert.Empty(t, own)

	_, err = h.assign.ListAgentSessions(h.ctx, "ghost", false)
	assert.True(t, apperrors.HasCode(err, "NOT_FOUND"))
}

// An exclusive bind counts against the agent even when it lands on a full agent, so
// closing one of its other sessions must not open a slot for tiered assignment.
func TestExclusiveBind_OnFullAgentStillCountsAgainstCapacity(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a", domain.AgentTierRegular, 1, true)
	h.connect("a")

	v1 := h.assignVisitor("v1", domain.PriorityNormal)
	require.Equal(t, ActionAssigned, v1.Action)
	v2, err := h.assign.AssignVisitor(h.ctx, AssignRequest{VisitorID: "v2", BusinessID: testBusiness, ExclusiveAgentID: "a"})
	require.NoError(t, err)
	require.Equal(t, ActionAssigned, v2.Action)
	assert.True(t, v2.AgentOnline)
	assert.Equal(t, 1, h.agent("a").CurrentLoad)

	_, err = h.sessions.CloseSession(h.ctx, "v1", testBusiness, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, h.agent("a").CurrentLoad, "the exclusive session still occupies the only slot")

	v3 := h.assignVisitor("v3", domain.PriorityNormal)
	assert.Equal(t, ActionQueued, v3.Action)
	assert.Equal(t, 1, h.agent("a").CurrentLoad)

	_, err = h.sessions.CloseSession(h.ctx, "v2", testBusiness, "a")
	require.NoError(t, err)
	assert.True(t, h.session(v3.Session.ID).AssignedTo("a"))
	assert.Equal(t, 1, h.agent("a").CurrentLoad)
}
