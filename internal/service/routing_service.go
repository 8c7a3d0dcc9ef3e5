package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/observability"
	"github.com/spec-kit/livechat-engine/internal/repository"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

// RouteTarget says where an inbound visitor message goes.
type RouteTarget string

const (
	RouteToAgent    RouteTarget = "agent"
	RouteToFallback RouteTarget = "fallback"
	RouteToQueue    RouteTarget = "queue"
	RouteRejected   RouteTarget = "blacklisted"
)

// RouteDecision is returned before a visitor message is forwarded.
type RouteDecision struct {
	Target        RouteTarget     `json:"target"`
	Session       *domain.Session `json:"session,omitempty"`
	AgentID       *string         `json:"agent_id,omitempty"`
	AgentOnline   bool            `json:"agent_online"`
	Reassigned    bool            `json:"reassigned"`
	PreviousAgent *string         `json:"previous_agent_id,omitempty"`
	Position      int             `json:"position,omitempty"`
	EstimatedWait int             `json:"estimated_wait,omitempty"`
}

// RoutingService validates the assigned agent on every inbound visitor message
// and recovers the session when that agent is gone.
type RoutingService struct {
	agents     repository.AgentRepository
	sessions   repository.SessionRepository
	assignment *AssignmentService
	workload   *WorkloadManager
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// RoutingDependencies bundles collaborators.
type RoutingDependencies struct {
	AgentRepo   repository.AgentRepository
	SessionRepo repository.SessionRepository
	Assignment  *AssignmentService
	Workload    *WorkloadManager
	Dispatcher  events.Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewRoutingService creates the service.
func NewRoutingService(deps RoutingDependencies) *RoutingService {
	return &RoutingService{
		agents:     deps.AgentRepo,
		sessions:   deps.SessionRepo,
		assignment: deps.Assignment,
		workload:   deps.Workload,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     loggerOrNop(deps.Logger),
		now:        clockOrNow(deps.Clock),
	}
}

// RecordAgentReply checks that agentID may answer visitorID and, when it may,
// refreshes the activity time of the visitor's active session so an ongoing
// conversation is not closed as idle.
func (r *RoutingService) RecordAgentReply(ctx context.Context, agentID, visitorID, businessID string) (*ReplyPermission, error) {
	permission, err := r.assignment.CheckReplyPermission(ctx, agentID, visitorID, businessID)
	if err != nil || !permission.Allowed {
		return permission, err
	}
	session, err := r.sessions.FindActive(ctx, visitorID, businessID)
	if errors.Is(err, repository.ErrNotFound) {
		return permission, nil
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if err := r.sessions.Touch(ctx, session.ID, r.now()); err != nil && !errors.Is(err, repository.ErrNotFound) {
		r.logger.Warn("touch session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	return permission, nil
}

// RouteVisitorMessage decides who receives a visitor's message. It never drops the
// message: when no human can take it the decision is the automated fallback.
func (r *RoutingService) RouteVisitorMessage(ctx context.Context, visitorID, businessID string) (*RouteDecision, error) {
	session, err := r.sessions.FindActive(ctx, visitorID, businessID)
	if errors.Is(err, repository.ErrNotFound) {
		return r.routeNew(ctx, visitorID, businessID)
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	now := r.now()
	if err := r.sessions.Touch(ctx, session.ID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
		r.logger.Warn("touch session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	session.LastActivityAt = now

	if session.State == domain.SessionStateWaiting {
		return &RouteDecision{
			Target:        RouteToQueue,
			Session:       session,
			Position:      derefInt(session.QueuePosition),
			EstimatedWait: session.EstimatedWait,
		}, nil
	}

	if !session.HasHuman() {
		return r.reassign(ctx, session, nil)
	}

	agent, err := r.agents.GetByID(ctx, *session.AgentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.MapError(err)
	}
	if agent != nil && r.assignment.AgentReachable(ctx, agent) {
		return &RouteDecision{Target: RouteToAgent, Session: session, AgentID: session.AgentID, AgentOnline: true}, nil
	}

	if session.Exclusive {
		r.metrics.RecordEngine("routing", "exclusive_offline")
		ev := events.New(events.EventExclusiveAgentAbsent, businessID, events.SystemActor, now).ForSession(session)
		publish(ctx, r.dispatcher, ev)
		return &RouteDecision{Target: RouteToAgent, Session: session, AgentID: session.AgentID, AgentOnline: false}, nil
	}
	return r.reassign(ctx, session, agent)
}

func (r *RoutingService) routeNew(ctx context.Context, visitorID, businessID string) (*RouteDecision, error) {
	result, err := r.assignment.AssignVisitor(ctx, AssignRequest{VisitorID: visitorID, BusinessID: businessID})
	if err != nil {
		return nil, err
	}
	switch result.Action {
	case ActionBlacklisted:
		return &RouteDecision{Target: RouteRejected}, nil
	case ActionQueued:
		return &RouteDecision{
			Target:        RouteToQueue,
			Session:       result.Session,
			Position:      result.Position,
			EstimatedWait: result.EstimatedWait,
		}, nil
	}
	return &RouteDecision{
		Target:      RouteToAgent,
		Session:     result.Session,
		AgentID:     result.Session.AgentID,
		AgentOnline: result.AgentOnline,
	}, nil
}

// reassign moves a session away from an unreachable agent (or from the fallback)
// to the best available agent, or to the fallback when nobody is available.
func (r *RoutingService) reassign(ctx context.Context, session *domain.Session, previous *domain.Agent) (*RouteDecision, error) {
	var exclude string
	if previous != nil {
		exclude = previous.ID
	}
	replacement, _, err := r.assignment.claimAgent(ctx, session.BusinessID, exclude, "reassignment")
	if err != nil {
		return nil, err
	}

	var newAgentID *string
	if replacement != nil {
		newAgentID = strPtr(replacement.ID)
	}
	if previous == nil && replacement == nil {
		return &RouteDecision{Target: RouteToFallback, Session: session}, nil
	}

	ok, err := r.sessions.Assign(ctx, repository.AssignUpdate{
		SessionID:       session.ID,
		ExpectedAgentID: session.AgentID,
		AgentID:         newAgentID,
		At:              r.now(),
	})
	if err != nil || !ok {
		if replacement != nil {
			r.assignment.release(ctx, replacement, "reassignment_conflict")
		}
		if err != nil {
			return nil, apperrors.MapError(err)
		}
		return r.current(ctx, session)
	}

	if previous != nil {
		if _, err := r.workload.Decrement(ctx, previous.ID, "reassignment"); err != nil {
			r.logger.Warn("decrement previous agent failed", zap.String("agent_id", previous.ID), zap.Error(err))
		}
	}
	if replacement != nil {
		r.assignment.stampAssigned(ctx, replacement.ID)
	}

	oldAgentID := session.AgentID
	session.AgentID = newAgentID
	r.logger.Info("session reassigned",
		zap.String("visitor_id", session.VisitorID),
		zap.String("business_id", session.BusinessID),
		zap.String("session_id", session.ID),
		zap.String("from_agent_id", derefString(oldAgentID)),
		zap.String("agent_id", derefString(newAgentID)),
		zap.String("reason", "agent_unreachable"))
	r.metrics.RecordEngine("reassignment", reassignOutcome(replacement))

	ev := events.New(events.EventAgentChanged, session.BusinessID, events.SystemActor, r.now()).ForSession(session)
	publish(ctx, r.dispatcher, ev.WithPayload(events.AgentChangedPayload{
		OldAgentID: oldAgentID,
		NewAgentID: newAgentID,
		Reason:     "agent_unreachable",
	}))

	decision := &RouteDecision{Session: session, Reassigned: true, PreviousAgent: oldAgentID}
	if replacement == nil {
		decision.Target = RouteToFallback
		return decision, nil
	}
	decision.Target = RouteToAgent
	decision.AgentID = newAgentID
	decision.AgentOnline = true
	return decision, nil
}

// current re-reads a session another writer changed first and routes to its owner.
func (r *RoutingService) current(ctx context.Context, stale *domain.Session) (*RouteDecision, error) {
	session, err := r.sessions.GetByID(ctx, stale.ID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	switch {
	case !session.State.Active():
		return &RouteDecision{Target: RouteToFallback, Session: session}, nil
	case session.State == domain.SessionStateWaiting:
		return &RouteDecision{Target: RouteToQueue, Session: session, Position: derefInt(session.QueuePosition)}, nil
	case session.HasHuman():
		return &RouteDecision{Target: RouteToAgent, Session: session, AgentID: session.AgentID, AgentOnline: true}, nil
	}
	return &RouteDecision{Target: RouteToFallback, Session: session}, nil
}

func reassignOutcome(replacement *domain.Agent) string {
	if replacement == nil {
		return "fallback"
	}
	return "agent"
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
