package worker

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/livechat-engine/internal/config"
	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/repository"
	"github.com/spec-kit/livechat-engine/internal/service"
)

const drainConcurrency = 4

// SweepReport counts what one monitor pass changed.
type SweepReport struct {
	Closed        int
	Purged        int
	Assigned      int
	MarkedOffline int
	MarkedOnline  int
}

// SessionMonitor runs the periodic idle-close, purge, queue and presence passes.
// Each pass reads then writes row by row and tolerates concurrent live traffic.
type SessionMonitor struct {
	businesses repository.BusinessRepository
	agents     repository.AgentRepository
	sessions   repository.SessionRepository
	closer     *service.SessionService
	assignment *service.AssignmentService
	ledger     presence.Ledger
	dispatcher events.Dispatcher
	cfg        config.EngineConfig
	settings   *expirable.LRU[string, domain.Business]
	logger     *zap.Logger
	now        func() time.Time
}

// MonitorDependencies bundles collaborators.
type MonitorDependencies struct {
	BusinessRepo repository.BusinessRepository
	AgentRepo    repository.AgentRepository
	SessionRepo  repository.SessionRepository
	Sessions     *service.SessionService
	Assignment   *service.AssignmentService
	Ledger       presence.Ledger
	Dispatcher   events.Dispatcher
	Config       config.EngineConfig
	Logger       *zap.Logger
	Clock        func() time.Time
}

// NewSessionMonitor creates the monitor.
func NewSessionMonitor(deps MonitorDependencies) *SessionMonitor {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	size := deps.Config.SettingsCacheSize
	if size <= 0 {
		size = 1024
	}
	return &SessionMonitor{
		businesses: deps.BusinessRepo,
		agents:     deps.AgentRepo,
		sessions:   deps.SessionRepo,
		closer:     deps.Sessions,
		assignment: deps.Assignment,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		cfg:        deps.Config,
		settings:   expirable.NewLRU[string, domain.Business](size, nil, deps.Config.SettingsCacheTTL),
		logger:     logger,
		now:        now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (m *SessionMonitor) Run(ctx context.Context) error {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("session monitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs every pass once. A failing pass is logged and does not stop the others.
func (m *SessionMonitor) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	var err error

	if report.Closed, err = m.CloseIdle(ctx); err != nil {
		m.logger.Error("idle session sweep failed", zap.Error(err))
	}
	if report.Purged, err = m.PurgeCompleted(ctx); err != nil {
		m.logger.Error("purge sweep failed", zap.Error(err))
	}
	if m.cfg.ReconcilePresence {
		if report.MarkedOffline, report.MarkedOnline, err = m.ReconcilePresence(ctx); err != nil {
			m.logger.Error("presence reconcile failed", zap.Error(err))
		}
	}
	if report.Assigned, err = m.DrainQueues(ctx); err != nil {
		m.logger.Error("queue drain failed", zap.Error(err))
	}

	if report != (SweepReport{}) {
		m.logger.Info("session sweep",
			zap.Int("closed", report.Closed),
			zap.Int("purged", report.Purged),
			zap.Int("assigned", report.Assigned),
			zap.Int("marked_offline", report.MarkedOffline),
			zap.Int("marked_online", report.MarkedOnline))
	}
	return report
}

// CloseIdle completes assigned sessions silent for longer than their business timeout.
func (m *SessionMonitor) CloseIdle(ctx context.Context) (int, error) {
	assigned, err := m.sessions.ListByState(ctx, domain.SessionStateAssigned)
	if err != nil {
		return 0, err
	}
	now := m.now()
	closed := 0
	for i := range assigned {
		s := &assigned[i]
		timeout := m.business(ctx, s.BusinessID).SessionTimeout
		if now.Sub(s.LastActivityAt) <= timeout {
			continue
		}
		done, err := m.closer.CloseByID(ctx, s.ID, events.CloseReasonTimeout)
		if err != nil {
			m.logger.Warn("close idle session failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if done != nil {
			closed++
		}
	}
	return closed, nil
}

// PurgeCompleted deletes complete rows older than the business purge window.
func (m *SessionMonitor) PurgeCompleted(ctx context.Context) (int, error) {
	complete, err := m.sessions.ListByState(ctx, domain.SessionStateComplete)
	if err != nil {
		return 0, err
	}
	now := m.now()
	purged := 0
	for i := range complete {
		s := &complete[i]
		if now.Sub(s.UpdatedAt) <= m.business(ctx, s.BusinessID).PurgeAfter {
			continue
		}
		ok, err := m.sessions.Delete(ctx, s.ID, domain.SessionStateComplete)
		if err != nil {
			return purged, err
		}
		if ok {
			purged++
		}
	}
	return purged, nil
}

// DrainQueues assigns waiting visitors of every business and refreshes positions.
func (m *SessionMonitor) DrainQueues(ctx context.Context) (int, error) {
	businesses, err := m.businesses.List(ctx)
	if err != nil {
		return 0, err
	}
	counts := make([]int, len(businesses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(drainConcurrency)
	for i := range businesses {
		i := i
		g.Go(func() error {
			n, err := m.assignment.ProcessQueue(gctx, businesses[i].ID)
			counts[i] = n
			return err
		})
	}
	err = g.Wait()
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, err
}

// ReconcilePresence brings the durable online flag in line with the ledger. Agents
// with no live handle in any process, which is what a crashed process leaves behind,
// are marked offline; agents holding a live handle while flagged offline are marked
// online again. Offline writes are bound to the presence epoch read with the agent.
func (m *SessionMonitor) ReconcilePresence(ctx context.Context) (offline, online int, err error) {
	listed, err := m.agents.ListAllOnline(ctx)
	if err != nil {
		return 0, 0, err
	}
	for i := range listed {
		agent := &listed[i]
		if agent.Bot {
			continue
		}
		n, err := m.ledger.Count(ctx, agentIdentity(agent))
		if err != nil {
			return offline, online, err
		}
		if n > 0 {
			continue
		}
		changed, err := m.agents.MarkOffline(ctx, agent.ID, agent.PresenceEpoch)
		if err != nil {
			return offline, online, err
		}
		if !changed {
			continue
		}
		offline++
		m.logger.Info("agent marked offline by reconcile",
			zap.String("agent_id", agent.ID),
			zap.String("business_id", agent.BusinessID))
		m.publishPresence(ctx, events.EventAgentOffline, agent)
	}

	listed, err = m.agents.ListOffline(ctx)
	if err != nil {
		return offline, online, err
	}
	for i := range listed {
		agent := &listed[i]
		n, err := m.ledger.Count(ctx, agentIdentity(agent))
		if err != nil {
			return offline, online, err
		}
		if n == 0 {
			continue
		}
		if _, err := m.agents.MarkOnline(ctx, agent.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return offline, online, err
		}
		online++
		m.logger.Warn("agent with live connections was offline; restored by reconcile",
			zap.String("agent_id", agent.ID),
			zap.String("business_id", agent.BusinessID),
			zap.Int("handles", n))
		m.publishPresence(ctx, events.EventAgentOnline, agent)
	}
	return offline, online, nil
}

func (m *SessionMonitor) publishPresence(ctx context.Context, eventType events.EventType, agent *domain.Agent) {
	if m.dispatcher == nil {
		return
	}
	ev := events.New(eventType, agent.BusinessID, events.SystemActor, m.now())
	ev.AgentID = &agent.ID
	_ = m.dispatcher.Publish(ctx, ev.WithPayload(events.AgentPresencePayload{
		AgentID: agent.ID,
		Name:    agent.Name,
		Tier:    agent.Tier,
	}))
}

func agentIdentity(agent *domain.Agent) presence.Identity {
	return presence.Identity{Role: presence.RoleAgent, BusinessID: agent.BusinessID, ID: agent.ID}
}

// business returns cached settings with engine defaults filled in. Lookup failures
// fall back to the defaults so one bad row cannot stall the sweep.
func (m *SessionMonitor) business(ctx context.Context, id string) domain.Business {
	if b, ok := m.settings.Get(id); ok {
		return b
	}
	b := domain.Business{ID: id}
	if found, err := m.businesses.GetByID(ctx, id); err == nil {
		b = *found
	} else if !errors.Is(err, repository.ErrNotFound) {
		m.logger.Warn("load business settings failed", zap.String("business_id", id), zap.Error(err))
		return m.withDefaults(b)
	}
	b = m.withDefaults(b)
	m.settings.Add(id, b)
	return b
}

func (m *SessionMonitor) withDefaults(b domain.Business) domain.Business {
	if b.SessionTimeout <= 0 {
		b.SessionTimeout = m.cfg.SessionTimeout
	}
	if b.PurgeAfter <= 0 {
		b.PurgeAfter = m.cfg.PurgeAfter
	}
	return b
}
