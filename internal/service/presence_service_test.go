package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/repository"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

func agentHandle(id string) *presence.ChannelHandle {
	return presence.NewChannelHandle(presence.Identity{Role: presence.RoleAgent, BusinessID: testBusiness, ID: id}, 16)
}

func visitorHandle(id string) *presence.ChannelHandle {
	return presence.NewChannelHandle(presence.Identity{Role: presence.RoleVisitor, BusinessID: testBusiness, ID: id}, 16)
}

func TestAgentConnected_ResyncsAndDrainsQueue(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a", domain.AgentTierRegular, 3, false)
	h.store.PutSession(domain.Session{ID: "held", VisitorID: "v0", BusinessID: testBusiness, AgentID: strPtr("a"), State: domain.SessionStateAssigned})
	queued := h.assignVisitor("v1", domain.PriorityNormal)
	require.Equal(t, ActionQueued, queued.Action)

	agent, err := h.presence.AgentConnected(h.ctx, agentHandle("a"))
	require.NoError(t, err)

	assert.True(t, agent.Online)
	assert.True(t, h.agent("a").Online)
	assert.True(t, h.session(queued.Session.ID).AssignedTo("a"))
	assert.Equal(t, 2, h.agent("a").CurrentLoad)
	assert.Len(t, h.events.Events(events.EventAgentOnline), 1)
	assert.Len(t, h.notes.Sent(FrameAgentPresence), 1)

	_, err = h.presence.AgentConnected(h.ctx, agentHandle("a"))
	require.NoError(t, err)
	assert.Len(t, h.events.Events(events.EventAgentOnline), 1)
	assert.Equal(t, 2, h.registry.Count(presence.Identity{Role: presence.RoleAgent, BusinessID: testBusiness, ID: "a"}))
}

func TestAgentConnected_Rejections(t *testing.T) {
	h := newHarness(t)
	h.store.PutAgent(domain.Agent{ID: "bot", BusinessID: testBusiness, Tier: domain.AgentTierRegular, Bot: true})
	h.store.PutAgent(domain.Agent{ID: "other", BusinessID: "globex", Tier: domain.AgentTierRegular})

	_, err := h.presence.AgentConnected(h.ctx, agentHandle("bot"))
	assert.True(t, apperrors.HasCode(err, "FORBIDDEN"))

	_, err = h.presence.AgentConnected(h.ctx, agentHandle("other"))
	assert.True(t, apperrors.HasCode(err, "AGENT_BUSINESS_MISMATCH"))

	_, err = h.presence.AgentConnected(h.ctx, agentHandle("ghost"))
	assert.True(t, apperrors.HasCode(err, "NOT_FOUND"))
	assert.Empty(t, h.registry.Handles())
}

func TestAgentDisconnected_OfflineOnlyAfterLastHandle(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a", domain.AgentTierRegular, 2, false)
	first, second := agentHandle("a"), agentHandle("a")
	_, err := h.presence.AgentConnected(h.ctx, first)
	require.NoError(t, err)
	_, err = h.presence.AgentConnected(h.ctx, second)
	require.NoError(t, err)
	h.assignVisitor("v1", domain.PriorityNormal)

	h.presence.AgentDisconnected(h.ctx, first)
	h.presence.Wait()
	assert.True(t, h.agent("a").Online)

	h.presence.AgentDisconnected(h.ctx, second)
	h.presence.Wait()
	assert.False(t, h.agent("a").Online)
	assert.Equal(t, 1, h.agent("a").CurrentLoad, "load is released by reassignment, not by disconnect")
	assert.Len(t, h.events.Events(events.EventAgentOffline), 1)

	h.presence.AgentDisconnected(h.ctx, second)
	h.presence.Wait()
	assert.Len(t, h.events.Events(events.EventAgentOffline), 1)
}

// gatedAgents holds the first offline write until release is closed.
type gatedAgents struct {
	repository.AgentRepository
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAgents) MarkOffline(ctx context.Context, id string, epoch int64) (bool, error) {
	g.once.Do(func() { close(g.reached) })
	<-g.release
	return g.AgentRepository.MarkOffline(ctx, id, epoch)
}

type failingLoadAgents struct {
	repository.AgentRepository
}

func (failingLoadAgents) SetLoad(ctx context.Context, id string, load int) (repository.Workload, error) {
	return repository.Workload{}, errors.New("connection reset")
}

func TestAgentDisconnected_ReconnectBeforeOfflineWriteStaysOnline(t *testing.T) {
	gate := &gatedAgents{reached: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWith(t, func(r repository.AgentRepository) repository.AgentRepository {
		gate.AgentRepository = r
		return gate
	})
	h.addAgent("a", domain.AgentTierRegular, 2, false)
	first := agentHandle("a")
	_, err := h.presence.AgentConnected(h.ctx, first)
	require.NoError(t, err)

	h.presence.AgentDisconnected(h.ctx, first)
	select {
	case <-gate.reached:
	case <-time.After(time.Second):
		t.Fatal("disconnect never attempted the offline write")
	}

	second := agentHandle("a")
	_, err = h.presence.AgentConnected(h.ctx, second)
	require.NoError(t, err)
	close(gate.release)
	h.presence.Wait()

	agent := h.agent("a")
	assert.True(t, agent.Online)
	assert.True(t, h.assign.AgentReachable(h.ctx, &agent))
	assert.Equal(t, 1, h.registry.Count(second.Identity()))
	assert.Empty(t, h.events.Events(events.EventAgentOffline))

	h.presence.AgentDisconnected(h.ctx, second)
	h.presence.Wait()
	assert.False(t, h.agent("a").Online)
	assert.Len(t, h.events.Events(events.EventAgentOffline), 1)
}

func TestAgentConnected_FailureLeavesNoHandle(t *testing.T) {
	h := newHarnessWith(t, func(r repository.AgentRepository) repository.AgentRepository {
		return failingLoadAgents{r}
	})
	h.addAgent("a", domain.AgentTierRegular, 2, false)
	handle := agentHandle("a")

	_, err := h.presence.AgentConnected(h.ctx, handle)
	require.Error(t, err)

	assert.Equal(t, 0, h.registry.Count(handle.Identity()))
	assert.Empty(t, h.registry.Handles())
	agent := h.agent("a")
	assert.False(t, agent.Online)
	assert.False(t, h.assign.AgentReachable(h.ctx, &agent))
	assert.Empty(t, h.events.Events(events.EventAgentOnline))

	result := h.assignVisitor("v1", domain.PriorityNormal)
	assert.Equal(t, ActionQueued, result.Action)
}

func TestVisitorConnected_AssignsAndRecordsVisitor(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a", domain.AgentTierRegular, 2, true)

	result, err := h.presence.VisitorConnected(h.ctx, visitorHandle("v1"), AssignRequest{Priority: domain.PriorityVIP}, VisitorInfo{Name: "Ada", IP: "10.0.0.1"})
	require.NoError(t, err)

	assert.Equal(t, ActionAssigned, result.Action)
	assert.Equal(t, domain.PriorityVIP, result.Session.Priority)
	assert.Len(t, h.events.Events(events.EventVisitorConnected), 1)
	visitor, err := h.store.Visitors().GetByID(h.ctx, "v1", testBusiness)
	require.NoError(t, err)
	assert.Equal(t, "Ada", visitor.Name)
	assert.True(t, h.registry.IsOnline(presence.Identity{Role: presence.RoleVisitor, BusinessID: testBusiness, ID: "v1"}))
}

func TestVisitorConnected_BlacklistedIsNotRegistered(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sessions.Blacklist(h.ctx, "v1", testBusiness, ""))

	result, err := h.presence.VisitorConnected(h.ctx, visitorHandle("v1"), AssignRequest{}, VisitorInfo{})
	require.NoError(t, err)

	assert.Equal(t, ActionBlacklisted, result.Action)
	assert.Empty(t, h.registry.Handles())
}

func TestVisitorDisconnected_ClosesSessionAfterLastHandle(t *testing.T) {
	h := newHarness(t)
	h.addAgent("a", domain.AgentTierRegular, 2, true)
	tab1, tab2 := visitorHandle("v1"), visitorHandle("v1")
	result, err := h.presence.VisitorConnected(h.ctx, tab1, AssignRequest{}, VisitorInfo{})
	require.NoError(t, err)
	again, err := h.presence.VisitorConnected(h.ctx, tab2, AssignRequest{}, VisitorInfo{})
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, again.Session.ID)
	assert.Len(t, h.events.Events(events.EventVisitorConnected), 1)

	h.presence.VisitorDisconnected(h.ctx, tab1)
	h.presence.Wait()
	assert.Equal(t, domain.SessionStateAssigned, h.session(result.Session.ID).State)

	h.presence.VisitorDisconnected(h.ctx, tab2)
	h.presence.Wait()
	assert.Equal(t, domain.SessionStateComplete, h.session(result.Session.ID).State)
	assert.Equal(t, 0, h.agent("a").CurrentLoad)

	closes := h.events.Events(events.EventSessionClosed)
	require.Len(t, closes, 1)
	assert.Equal(t, events.CloseReasonDisconnect, closes[0].Payload.(events.SessionClosedPayload).Reason)
}
