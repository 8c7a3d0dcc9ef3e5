package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/repository"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

// VisitorInfo carries display attributes captured at connect time.
type VisitorInfo struct {
	Name      string
	IP        string
	UserAgent string
}

// PresenceService ties connection lifetimes to durable state: the agent online
// flag, load resync on reconnect, and visitor session closure on disconnect.
type PresenceService struct {
	registry   *presence.Registry
	ledger     presence.Ledger
	agents     repository.AgentRepository
	visitors   repository.VisitorRepository
	workload   *WorkloadManager
	assignment *AssignmentService
	sessions   *SessionService
	dispatcher events.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
	timeout    time.Duration
	pending    sync.WaitGroup
}

// PresenceDependencies bundles collaborators.
type PresenceDependencies struct {
	Registry          *presence.Registry
	Ledger            presence.Ledger
	AgentRepo         repository.AgentRepository
	VisitorRepo       repository.VisitorRepository
	Workload          *WorkloadManager
	Assignment        *AssignmentService
	Sessions          *SessionService
	Dispatcher        events.Dispatcher
	Logger            *zap.Logger
	Clock             func() time.Time
	SideEffectTimeout time.Duration
}

// NewPresenceService creates the service.
func NewPresenceService(deps PresenceDependencies) *PresenceService {
	return &PresenceService{
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		agents:     deps.AgentRepo,
		visitors:   deps.VisitorRepo,
		workload:   deps.Workload,
		assignment: deps.Assignment,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		logger:     loggerOrNop(deps.Logger),
		now:        clockOrNow(deps.Clock),
		timeout:    deps.SideEffectTimeout,
	}
}

// AgentConnected registers an agent handle. The first connection marks the agent
// online, resyncs its load from the ledger and drains the business queue. A failed
// connect leaves no handle behind.
func (p *PresenceService) AgentConnected(ctx context.Context, h presence.Handle) (*domain.Agent, error) {
	id := h.Identity()
	agent, err := p.assignment.agentInBusiness(ctx, id.ID, id.BusinessID)
	if err != nil {
		return nil, err
	}
	if agent.Bot {
		return nil, apperrors.NewForbidden("bot accounts cannot hold agent connections")
	}

	first := p.registry.Register(h, agent.IsAdmin())
	if err := p.ledger.Add(ctx, id, h.ID()); err != nil {
		p.logger.Warn("presence ledger add failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}
	if !first && agent.Online {
		return agent, nil
	}

	epoch, err := p.agents.MarkOnline(ctx, agent.ID)
	if err != nil {
		p.abandonConnect(ctx, h, 0)
		return nil, apperrors.MapError(err)
	}
	wasOnline := agent.Online
	agent.Online = true
	agent.PresenceEpoch = epoch

	load, err := p.workload.Resync(ctx, agent.ID, "agent_connected")
	if err != nil {
		p.abandonConnect(ctx, h, epoch)
		return nil, err
	}
	agent.CurrentLoad = load.Current

	p.logger.Info("agent online",
		zap.String("agent_id", agent.ID),
		zap.String("business_id", agent.BusinessID),
		zap.Int("current_load", load.Current))
	if !wasOnline {
		p.publishAgentPresence(ctx, events.EventAgentOnline, agent)
	}
	if _, err := p.assignment.ProcessQueue(ctx, agent.BusinessID); err != nil {
		p.logger.Warn("queue drain failed", zap.String("business_id", agent.BusinessID), zap.Error(err))
	}
	return agent, nil
}

// abandonConnect drops a handle whose connect failed. When the connect had already
// marked the agent online under epoch and nothing else holds the agent, the flag is
// cleared again.
func (p *PresenceService) abandonConnect(ctx context.Context, h presence.Handle, epoch int64) {
	id, last, ok := p.registry.Unregister(h.ID())
	if !ok {
		return
	}
	ctx, cancel := detached(ctx, p.timeout)
	defer cancel()
	if err := p.ledger.Remove(ctx, id, h.ID()); err != nil {
		p.logger.Warn("presence ledger remove failed", zap.String("agent_id", id.ID), zap.Error(err))
	}
	if epoch == 0 || !last || p.stillConnected(ctx, id) {
		return
	}
	if _, err := p.agents.MarkOffline(ctx, id.ID, epoch); err != nil {
		p.logger.Warn("mark agent offline failed", zap.String("agent_id", id.ID), zap.Error(err))
	}
}

// AgentDisconnected unregisters the handle. When no handle of the agent remains in
// any process the agent is marked offline; its load is left for reassignment to release.
// The offline write is bound to the presence epoch read before the handle count, so a
// reconnect that lands in between keeps the agent online.
func (p *PresenceService) AgentDisconnected(ctx context.Context, h presence.Handle) {
	id, last, ok := p.registry.Unregister(h.ID())
	if !ok {
		return
	}
	p.background(ctx, func(ctx context.Context) {
		if err := p.ledger.Remove(ctx, id, h.ID()); err != nil {
			p.logger.Warn("presence ledger remove failed", zap.String("agent_id", id.ID), zap.Error(err))
		}
		if !last {
			return
		}
		agent, err := p.agents.GetByID(ctx, id.ID)
		if err != nil {
			p.logger.Warn("load agent failed", zap.String("agent_id", id.ID), zap.Error(err))
			return
		}
		if !agent.Online || p.stillConnected(ctx, id) {
			return
		}
		changed, err := p.agents.MarkOffline(ctx, id.ID, agent.PresenceEpoch)
		if err != nil {
			p.logger.Warn("mark agent offline failed", zap.String("agent_id", id.ID), zap.Error(err))
			return
		}
		if !changed {
			p.logger.Debug("agent reconnected before going offline", zap.String("agent_id", id.ID))
			return
		}
		agent.Online = false
		p.logger.Info("agent offline", zap.String("agent_id", id.ID), zap.String("business_id", id.BusinessID))
		p.publishAgentPresence(ctx, events.EventAgentOffline, agent)
	})
}

// VisitorConnected records the visitor, registers the handle and runs assignment.
// The handle is registered first so assignment notifications reach it. Blacklisted
// visitors are unregistered again before returning.
func (p *PresenceService) VisitorConnected(ctx context.Context, h presence.Handle, req AssignRequest, info VisitorInfo) (*AssignmentResult, error) {
	id := h.Identity()
	req.VisitorID = id.ID
	req.BusinessID = id.BusinessID

	if err := p.visitors.Touch(ctx, &domain.Visitor{
		ID:         id.ID,
		BusinessID: id.BusinessID,
		Name:       info.Name,
		IP:         info.IP,
		UserAgent:  info.UserAgent,
	}); err != nil {
		p.logger.Warn("visitor upsert failed", zap.String("visitor_id", id.ID), zap.Error(err))
	}

	first := p.registry.Register(h, false)
	if err := p.ledger.Add(ctx, id, h.ID()); err != nil {
		p.logger.Warn("presence ledger add failed", zap.String("visitor_id", id.ID), zap.Error(err))
	}
	if first {
		publish(ctx, p.dispatcher, events.New(events.EventVisitorConnected, id.BusinessID, events.VisitorActor(id.ID), p.now()))
	}

	result, err := p.assignment.AssignVisitor(ctx, req)
	if err != nil || result.Action == ActionBlacklisted {
		p.registry.Unregister(h.ID())
		if rmErr := p.ledger.Remove(ctx, id, h.ID()); rmErr != nil {
			p.logger.Warn("presence ledger remove failed", zap.String("visitor_id", id.ID), zap.Error(rmErr))
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// VisitorDisconnected unregisters the handle. When the visitor has no handle left
// anywhere their session is closed and the agent's capacity goes back to the queue.
func (p *PresenceService) VisitorDisconnected(ctx context.Context, h presence.Handle) {
	id, last, ok := p.registry.Unregister(h.ID())
	if !ok {
		return
	}
	p.background(ctx, func(ctx context.Context) {
		if err := p.ledger.Remove(ctx, id, h.ID()); err != nil {
			p.logger.Warn("presence ledger remove failed", zap.String("visitor_id", id.ID), zap.Error(err))
		}
		if !last || p.stillConnected(ctx, id) {
			return
		}
		if _, err := p.sessions.CloseVisitor(ctx, id.ID, id.BusinessID, events.CloseReasonDisconnect); err != nil {
			p.logger.Warn("close session on disconnect failed",
				zap.String("visitor_id", id.ID),
				zap.String("business_id", id.BusinessID),
				zap.Error(err))
		}
	})
}

// Wait blocks until in-flight disconnect side effects finish.
func (p *PresenceService) Wait() {
	p.pending.Wait()
}

func (p *PresenceService) stillConnected(ctx context.Context, id presence.Identity) bool {
	n, err := p.ledger.Count(ctx, id)
	if err != nil {
		p.logger.Warn("presence ledger count failed", zap.String("identity", id.Key()), zap.Error(err))
		return false
	}
	return n > 0
}

// background runs fn detached from the caller's cancellation.
func (p *PresenceService) background(ctx context.Context, fn func(context.Context)) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		ctx, cancel := detached(ctx, p.timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (p *PresenceService) publishAgentPresence(ctx context.Context, eventType events.EventType, agent *domain.Agent) {
	ev := events.New(eventType, agent.BusinessID, events.AgentActor(agent.ID), p.now())
	ev.AgentID = strPtr(agent.ID)
	publish(ctx, p.dispatcher, ev.WithPayload(events.AgentPresencePayload{
		AgentID: agent.ID,
		Name:    agent.Name,
		Tier:    agent.Tier,
	}))
}
