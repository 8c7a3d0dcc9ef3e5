package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/observability"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/repository"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

// AssignmentAction is the typed outcome of an assignment attempt.
type AssignmentAction string

const (
	ActionAssigned    AssignmentAction = "assigned"
	ActionQueued      AssignmentAction = "queued"
	ActionBlacklisted AssignmentAction = "blacklisted"
	ActionError       AssignmentAction = "error"
)

// AssignRequest asks for a visitor to be placed with an agent.
type AssignRequest struct {
	VisitorID        string
	BusinessID       string
	ExclusiveAgentID string
	Priority         domain.Priority
}

// AssignmentResult describes where the visitor ended up.
type AssignmentResult struct {
	Action        AssignmentAction
	Session       *domain.Session
	Agent         *domain.Agent
	Tier          SelectionTier
	Position      int
	EstimatedWait int
	Resumed       bool
	AgentOnline   bool
}

// ReplyPermission answers whether an agent may reply to a visitor.
type ReplyPermission struct {
	Allowed        bool    `json:"allowed"`
	Reason         string  `json:"reason,omitempty"`
	CurrentAgentID *string `json:"current_agent_id,omitempty"`
}

// AgentSessionView is one row of an agent's visitor list.
type AgentSessionView struct {
	Session  domain.Session `json:"session"`
	IsMine   bool           `json:"is_mine"`
	CanReply bool           `json:"can_reply"`
}

// AssignmentService places visitors with agents.
type AssignmentService struct {
	businesses repository.BusinessRepository
	agents     repository.AgentRepository
	sessions   repository.SessionRepository
	ledger     presence.Ledger
	workload   *WorkloadManager
	queue      *QueueEstimator
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// AssignmentDependencies bundles collaborators.
type AssignmentDependencies struct {
	BusinessRepo repository.BusinessRepository
	AgentRepo    repository.AgentRepository
	SessionRepo  repository.SessionRepository
	Ledger       presence.Ledger
	Workload     *WorkloadManager
	Queue        *QueueEstimator
	Dispatcher   events.Dispatcher
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Clock        func() time.Time
}

// NewAssignmentService creates the service.
func NewAssignmentService(deps AssignmentDependencies) *AssignmentService {
	return &AssignmentService{
		businesses: deps.BusinessRepo,
		agents:     deps.AgentRepo,
		sessions:   deps.SessionRepo,
		ledger:     deps.Ledger,
		workload:   deps.Workload,
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     loggerOrNop(deps.Logger),
		now:        clockOrNow(deps.Clock),
	}
}

// AssignVisitor returns the visitor's active assignment, or creates one: bound to
// the exclusive agent when requested, else to the best tiered candidate, else queued.
func (s *AssignmentService) AssignVisitor(ctx context.Context, req AssignRequest) (*AssignmentResult, error) {
	if req.VisitorID == "" || req.BusinessID == "" {
		return nil, apperrors.NewValidationError("visitor_id and business_id are required", nil)
	}
	if !req.Priority.Valid() {
		return nil, apperrors.NewValidationError("invalid priority", map[string]any{"priority": int(req.Priority)})
	}
	if _, err := s.businesses.GetByID(ctx, req.BusinessID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("business", map[string]any{"business_id": req.BusinessID})
		}
		return nil, apperrors.MapError(err)
	}

	blacklisted, err := s.sessions.IsBlacklisted(ctx, req.VisitorID, req.BusinessID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if blacklisted {
		s.metrics.RecordEngine("assignment", string(ActionBlacklisted))
		return &AssignmentResult{Action: ActionBlacklisted}, nil
	}

	existing, err := s.sessions.FindActive(ctx, req.VisitorID, req.BusinessID)
	switch {
	case err == nil:
		return s.resume(ctx, existing)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.MapError(err)
	}

	var result *AssignmentResult
	if req.ExclusiveAgentID != "" {
		result, err = s.assignExclusive(ctx, req)
	} else {
		result, err = s.assignTiered(ctx, req)
	}
	if err != nil {
		s.metrics.RecordEngine("assignment", string(ActionError))
		return nil, err
	}
	s.metrics.RecordEngine("assignment", string(result.Action))
	return result, nil
}

func (s *AssignmentService) assignExclusive(ctx context.Context, req AssignRequest) (*AssignmentResult, error) {
	agent, err := s.agentInBusiness(ctx, req.ExclusiveAgentID, req.BusinessID)
	if err != nil {
		return nil, err
	}

	session := &domain.Session{
		VisitorID:        req.VisitorID,
		BusinessID:       req.BusinessID,
		AgentID:          strPtr(agent.ID),
		Exclusive:        true,
		ExclusiveAgentID: strPtr(agent.ID),
		Priority:         req.Priority,
		State:            domain.SessionStateAssigned,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return s.resumeAfterConflict(ctx, req, err)
	}

	online := s.AgentReachable(ctx, agent)
	if online {
		if _, err := s.workload.Increment(ctx, agent.ID, "exclusive_assignment"); err != nil {
			return nil, err
		}
		s.stampAssigned(ctx, agent.ID)
	}

	s.logger.Info("visitor bound to exclusive agent",
		zap.String("visitor_id", req.VisitorID),
		zap.String("business_id", req.BusinessID),
		zap.String("agent_id", agent.ID),
		zap.String("session_id", session.ID),
		zap.Bool("agent_online", online))

	ev := events.New(events.EventVisitorAssigned, req.BusinessID, events.VisitorActor(req.VisitorID), s.now()).ForSession(session)
	publish(ctx, s.dispatcher, ev.WithPayload(events.VisitorAssignedPayload{
		AgentID:   agent.ID,
		Exclusive: true,
		Priority:  req.Priority,
	}))
	if !online {
		absent := events.New(events.EventExclusiveAgentAbsent, req.BusinessID, events.SystemActor, s.now()).ForSession(session)
		publish(ctx, s.dispatcher, absent)
	}

	return &AssignmentResult{
		Action:      ActionAssigned,
		Session:     session,
		Agent:       agent,
		Tier:        tierOf(agent),
		AgentOnline: online,
	}, nil
}

func (s *AssignmentService) assignTiered(ctx context.Context, req AssignRequest) (*AssignmentResult, error) {
	agent, tier, err := s.claimAgent(ctx, req.BusinessID, "", "assignment")
	if err != nil {
		return nil, err
	}

	if agent != nil {
		session := &domain.Session{
			VisitorID:  req.VisitorID,
			BusinessID: req.BusinessID,
			AgentID:    strPtr(agent.ID),
			Priority:   req.Priority,
			State:      domain.SessionStateAssigned,
		}
		if err := s.sessions.Create(ctx, session); err != nil {
			s.release(ctx, agent, "assignment_conflict")
			return s.resumeAfterConflict(ctx, req, err)
		}
		s.stampAssigned(ctx, agent.ID)

		s.logger.Info("visitor assigned",
			zap.String("visitor_id", req.VisitorID),
			zap.String("business_id", req.BusinessID),
			zap.String("agent_id", agent.ID),
			zap.String("session_id", session.ID),
			zap.String("tier", tier.String()))

		ev := events.New(events.EventVisitorAssigned, req.BusinessID, events.VisitorActor(req.VisitorID), s.now()).ForSession(session)
		publish(ctx, s.dispatcher, ev.WithPayload(events.VisitorAssignedPayload{
			AgentID:  agent.ID,
			Priority: req.Priority,
		}))
		return &AssignmentResult{
			Action:      ActionAssigned,
			Session:     session,
			Agent:       agent,
			Tier:        tier,
			AgentOnline: true,
		}, nil
	}

	session := &domain.Session{
		VisitorID:  req.VisitorID,
		BusinessID: req.BusinessID,
		Priority:   req.Priority,
		State:      domain.SessionStateWaiting,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return s.resumeAfterConflict(ctx, req, err)
	}
	if err := s.queue.Enqueue(ctx, session); err != nil {
		return nil, apperrors.MapError(err)
	}
	if req.Priority > domain.PriorityNormal {
		if _, err := s.queue.RefreshBusiness(ctx, req.BusinessID); err != nil {
			s.logger.Warn("queue refresh failed", zap.String("business_id", req.BusinessID), zap.Error(err))
		}
	}

	s.logger.Info("visitor queued",
		zap.String("visitor_id", req.VisitorID),
		zap.String("business_id", req.BusinessID),
		zap.String("session_id", session.ID),
		zap.Int("position", *session.QueuePosition),
		zap.Int("estimated_wait", session.EstimatedWait))

	ev := events.New(events.EventVisitorQueued, req.BusinessID, events.VisitorActor(req.VisitorID), s.now()).ForSession(session)
	publish(ctx, s.dispatcher, ev.WithPayload(events.VisitorQueuedPayload{
		Position:      *session.QueuePosition,
		EstimatedWait: session.EstimatedWait,
		Priority:      req.Priority,
	}))
	return &AssignmentResult{
		Action:        ActionQueued,
		Session:       session,
		Tier:          TierNone,
		Position:      *session.QueuePosition,
		EstimatedWait: session.EstimatedWait,
	}, nil
}

// resumeAfterConflict handles a concurrent connection that created the active
// session first: the winner's session is returned as is.
func (s *AssignmentService) resumeAfterConflict(ctx context.Context, req AssignRequest, createErr error) (*AssignmentResult, error) {
	if !errors.Is(createErr, repository.ErrConflict) {
		return nil, apperrors.MapError(createErr)
	}
	existing, err := s.sessions.FindActive(ctx, req.VisitorID, req.BusinessID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return s.resume(ctx, existing)
}

func (s *AssignmentService) resume(ctx context.Context, session *domain.Session) (*AssignmentResult, error) {
	result := &AssignmentResult{Session: session, Resumed: true, Tier: TierNone}
	if session.State == domain.SessionStateWaiting {
		position, eta, err := s.queue.Estimate(ctx, session)
		if err != nil {
			return nil, apperrors.MapError(err)
		}
		result.Action = ActionQueued
		result.Position = position
		result.EstimatedWait = eta
		return result, nil
	}

	result.Action = ActionAssigned
	if session.HasHuman() {
		agent, err := s.agents.GetByID(ctx, *session.AgentID)
		if err == nil {
			result.Agent = agent
			result.Tier = tierOf(agent)
			result.AgentOnline = s.AgentReachable(ctx, agent)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.MapError(err)
		}
	}
	s.metrics.RecordEngine("assignment", "resumed")
	return result, nil
}

// claimAgent walks the ranked candidates and reserves capacity on the first that
// still has room.
func (s *AssignmentService) claimAgent(ctx context.Context, businessID, exclude, reason string) (*domain.Agent, SelectionTier, error) {
	candidates, err := s.agents.ListOnline(ctx, businessID)
	if err != nil {
		return nil, TierNone, apperrors.MapError(err)
	}
	ranked := RankAgents(candidates, exclude)
	for i := range ranked {
		agent := ranked[i]
		ok, err := s.workload.Reserve(ctx, &agent, reason)
		if err != nil {
			return nil, TierNone, err
		}
		if ok {
			return &agent, tierOf(&agent), nil
		}
	}
	return nil, TierNone, nil
}

func (s *AssignmentService) release(ctx context.Context, agent *domain.Agent, reason string) {
	if agent.IsAdmin() {
		return
	}
	if _, err := s.workload.Decrement(ctx, agent.ID, reason); err != nil {
		s.logger.Warn("release reserved load failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}
}

func (s *AssignmentService) stampAssigned(ctx context.Context, agentID string) {
	if err := s.agents.TouchAssigned(ctx, agentID, s.now()); err != nil {
		s.logger.Warn("stamp last_assigned_at failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// AgentReachable requires the durable online flag and at least one live handle in
// the presence ledger. Ledger errors defer to the durable flag.
func (s *AssignmentService) AgentReachable(ctx context.Context, agent *domain.Agent) bool {
	if agent == nil || !agent.Online {
		return false
	}
	if s.ledger == nil {
		return true
	}
	n, err := s.ledger.Count(ctx, presence.Identity{Role: presence.RoleAgent, BusinessID: agent.BusinessID, ID: agent.ID})
	if err != nil {
		s.logger.Warn("presence ledger unavailable", zap.String("agent_id", agent.ID), zap.Error(err))
		return true
	}
	return n > 0
}

// ProcessQueue assigns waiting visitors in queue order while agents have room,
// then refreshes positions. It returns how many were assigned.
func (s *AssignmentService) ProcessQueue(ctx context.Context, businessID string) (int, error) {
	waiting, err := s.sessions.ListWaiting(ctx, businessID)
	if err != nil {
		return 0, apperrors.MapError(err)
	}

	assigned := 0
	for i := range waiting {
		session := &waiting[i]
		if session.Exclusive {
			continue
		}
		agent, _, err := s.claimAgent(ctx, businessID, "", "queue")
		if err != nil {
			return assigned, err
		}
		if agent == nil {
			break
		}
		ok, err := s.sessions.Assign(ctx, repository.AssignUpdate{
			SessionID: session.ID,
			AgentID:   strPtr(agent.ID),
			At:        s.now(),
		})
		if err != nil || !ok {
			s.release(ctx, agent, "queue_conflict")
			if err != nil {
				return assigned, apperrors.MapError(err)
			}
			continue
		}
		s.stampAssigned(ctx, agent.ID)
		session.AgentID = strPtr(agent.ID)
		session.State = domain.SessionStateAssigned
		session.QueuePosition = nil
		assigned++

		s.logger.Info("queued visitor assigned",
			zap.String("visitor_id", session.VisitorID),
			zap.String("business_id", businessID),
			zap.String("agent_id", agent.ID),
			zap.String("session_id", session.ID))
		ev := events.New(events.EventVisitorAssigned, businessID, events.SystemActor, s.now()).ForSession(session)
		publish(ctx, s.dispatcher, ev.WithPayload(events.VisitorAssignedPayload{
			AgentID:  agent.ID,
			Priority: session.Priority,
		}))
	}

	if _, err := s.queue.RefreshBusiness(ctx, businessID); err != nil {
		return assigned, apperrors.MapError(err)
	}
	if assigned > 0 {
		s.metrics.RecordEngine("queue_drain", "assigned")
	}
	return assigned, nil
}

// CheckReplyPermission decides whether agentID may answer visitorID.
func (s *AssignmentService) CheckReplyPermission(ctx context.Context, agentID, visitorID, businessID string) (*ReplyPermission, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &ReplyPermission{Allowed: false, Reason: "agent not found"}, nil
		}
		return nil, apperrors.MapError(err)
	}
	if agent.BusinessID != businessID {
		return &ReplyPermission{Allowed: false, Reason: "agent does not belong to business"}, nil
	}

	session, err := s.sessions.FindActive(ctx, visitorID, businessID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &ReplyPermission{Allowed: true}, nil
		}
		return nil, apperrors.MapError(err)
	}

	switch {
	case session.AssignedTo(agent.ID):
		return &ReplyPermission{Allowed: true, CurrentAgentID: session.AgentID}, nil
	case session.HasHuman():
		return &ReplyPermission{Allowed: false, Reason: "visitor is being served by another agent", CurrentAgentID: session.AgentID}, nil
	case agent.IsAdmin():
		return &ReplyPermission{Allowed: true}, nil
	default:
		return &ReplyPermission{Allowed: false, Reason: "visitor is waiting in queue"}, nil
	}
}

// ListAgentSessions returns the agent's own active sessions, or for admins with
// includeAll every assigned session in the business.
func (s *AssignmentService) ListAgentSessions(ctx context.Context, agentID string, includeAll bool) ([]AgentSessionView, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("agent", map[string]any{"agent_id": agentID})
		}
		return nil, apperrors.MapError(err)
	}

	var sessions []domain.Session
	if includeAll && agent.IsAdmin() {
		sessions, err = s.sessions.ListAssigned(ctx, agent.BusinessID)
	} else {
		sessions, err = s.sessions.ListByAgent(ctx, agent.ID)
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	views := make([]AgentSessionView, 0, len(sessions))
	for _, session := range sessions {
		mine := session.AssignedTo(agent.ID)
		views = append(views, AgentSessionView{
			Session:  session,
			IsMine:   mine,
			CanReply: mine || (agent.IsAdmin() && !session.HasHuman()),
		})
	}
	return views, nil
}

func (s *AssignmentService) agentInBusiness(ctx context.Context, agentID, businessID string) (*domain.Agent, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("agent", map[string]any{"agent_id": agentID})
		}
		return nil, apperrors.MapError(err)
	}
	if agent.BusinessID != businessID {
		return nil, apperrors.NewBusinessMismatch(agentID, businessID)
	}
	return agent, nil
}
