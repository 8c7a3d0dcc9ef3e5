package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-kit/livechat-engine/internal/config"
	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/notify"
	"github.com/spec-kit/livechat-engine/internal/observability"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/repository"
)

const testBusiness = "acme"

// testClock advances one millisecond per reading so rows created back to back
// keep a strict order.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	store    *repository.MemoryStore
	registry *presence.Registry
	events   *events.Recorder
	notes    *notify.Recorder
	metrics  *observability.Metrics
	cfg      config.EngineConfig

	workload *WorkloadManager
	queue    *QueueEstimator
	assign   *AssignmentService
	routing  *RoutingService
	sessions *SessionService
	presence *PresenceService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test wrap the agent repository the engine sees, to inject
// failures or hold a write at a chosen point.
func newHarnessWith(t *testing.T, wrap func(repository.AgentRepository) repository.AgentRepository) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore()
	store.SetClock(clock.Now)
	store.PutBusiness(domain.Business{ID: testBusiness, Name: "Acme"})

	registry := presence.NewRegistry()
	ledger := presence.NewLocalLedger(registry)
	dispatcher := events.NewInMemoryDispatcher(nil)
	recorder := &events.Recorder{}
	events.SubscribeAll(dispatcher, recorder.Handle)
	notes := &notify.Recorder{}
	NewNotificationService(dispatcher, notes, nil).RegisterHandlers()
	metrics := observability.NewMetrics()
	cfg := config.DefaultEngineConfig()

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    clock,
		store:    store,
		registry: registry,
		events:   recorder,
		notes:    notes,
		metrics:  metrics,
		cfg:      cfg,
	}
	agents := store.Agents()
	if wrap != nil {
		agents = wrap(agents)
	}
	engine := NewEngine(EngineDependencies{
		BusinessRepo: store.Businesses(),
		AgentRepo:    agents,
		SessionRepo:  store.Sessions(),
		VisitorRepo:  store.Visitors(),
		Registry:     registry,
		Ledger:       ledger,
		Dispatcher:   dispatcher,
		Metrics:      metrics,
		Config:       cfg,
		Clock:        clock.Now,
	})
	h.workload = engine.Workload
	h.queue = engine.Queue
	h.assign = engine.Assignment
	h.routing = engine.Routing
	h.sessions = engine.Sessions
	h.presence = engine.Presence
	return h
}

func (h *harness) addAgent(id string, tier domain.AgentTier, capacity int, online bool) {
	h.store.PutAgent(domain.Agent{
		ID:          id,
		BusinessID:  testBusiness,
		Name:        id,
		Tier:        tier,
		MaxCapacity: capacity,
		Online:      online,
	})
}

// connect registers a live handle for the agent without touching durable state.
func (h *harness) connect(agentID string) *presence.ChannelHandle {
	agent := h.agent(agentID)
	handle := presence.NewChannelHandle(presence.Identity{Role: presence.RoleAgent, BusinessID: agent.BusinessID, ID: agentID}, 64)
	h.registry.Register(handle, agent.IsAdmin())
	return handle
}

// dropAgent simulates an agent whose connection went away: no handle, offline flag.
func (h *harness) dropAgent(agentID string, handle presence.Handle) {
	h.registry.Unregister(handle.ID())
	require.NoError(h.t, h.store.Agents().SetOnline(h.ctx, agentID, false))
}

func (h *harness) agent(id string) domain.Agent {
	a, ok := h.store.Agent(id)
	require.True(h.t, ok, "agent %s", id)
	return a
}

func (h *harness) session(id string) *domain.Session {
	s, ok := h.store.Session(id)
	require.True(h.t, ok, "session %s", id)
	return &s
}

func (h *harness) assignVisitor(visitorID string, priority domain.Priority) *AssignmentResult {
	h.t.Helper()
	result, err := h.assign.AssignVisitor(h.ctx, AssignRequest{VisitorID: visitorID, BusinessID: testBusiness, Priority: priority})
	require.NoError(h.t, err)
	return result
}

func (h *harness) route(visitorID string) *RouteDecision {
	h.t.Helper()
	decision, err := h.routing.RouteVisitorMessage(h.ctx, visitorID, testBusiness)
	require.NoError(h.t, err)
	return decision
}
