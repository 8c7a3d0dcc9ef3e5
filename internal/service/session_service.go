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

// TransferRequest moves a visitor from one agent to another.
type TransferRequest struct {
	VisitorID   string
	BusinessID  string
	FromAgentID string
	ToAgentID   string
}

// SessionService owns session termination and manual handoffs.
type SessionService struct {
	agents     repository.AgentRepository
	sessions   repository.SessionRepository
	assignment *AssignmentService
	workload   *WorkloadManager
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// SessionDependencies bundles collaborators.
type SessionDependencies struct {
	AgentRepo   repository.AgentRepository
	SessionRepo repository.SessionRepository
	Assignment  *AssignmentService
	Workload    *WorkloadManager
	Dispatcher  events.Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewSessionService creates the service.
func NewSessionService(deps SessionDependencies) *SessionService {
	return &SessionService{
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

// CloseSession completes the visitor's active session. When agentID is given the
// agent must own the session or be an admin of the business.
func (s *SessionService) CloseSession(ctx context.Context, visitorID, businessID, agentID string) (*domain.Session, error) {
	session, err := s.sessions.FindActive(ctx, visitorID, businessID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("session", map[string]any{"visitor_id": visitorID, "business_id": businessID})
		}
		return nil, apperrors.MapError(err)
	}

	actor := events.VisitorActor(visitorID)
	if agentID != "" {
		agent, err := s.assignment.agentInBusiness(ctx, agentID, businessID)
		if err != nil {
			return nil, err
		}
		if !session.AssignedTo(agent.ID) && !agent.IsAdmin() {
			return nil, apperrors.NewForbidden("session is assigned to another agent")
		}
		actor = events.AgentActor(agent.ID)
	}

	closed, err := s.finish(ctx, session.ID, domain.SessionStateComplete, events.CloseReasonClosed, actor)
	if err != nil {
		return nil, err
	}
	if closed == nil {
		return nil, apperrors.NewConflict("session already closed", map[string]any{"session_id": session.ID})
	}
	s.drain(ctx, businessID)
	return closed, nil
}

// CloseByID completes a session on behalf of the engine. It returns nil when the
// session was already terminal.
func (s *SessionService) CloseByID(ctx context.Context, sessionID string, reason events.CloseReason) (*domain.Session, error) {
	closed, err := s.finish(ctx, sessionID, domain.SessionStateComplete, reason, events.SystemActor)
	if err != nil || closed == nil {
		return closed, err
	}
	s.drain(ctx, closed.BusinessID)
	return closed, nil
}

// CloseVisitor completes the visitor's active session, if any.
func (s *SessionService) CloseVisitor(ctx context.Context, visitorID, businessID string, reason events.CloseReason) (*domain.Session, error) {
	session, err := s.sessions.FindActive(ctx, visitorID, businessID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return s.CloseByID(ctx, session.ID, reason)
}

// Blacklist bars a visitor from the business. An active session is terminated as
// blacklisted; otherwise a blacklisted ledger row is recorded.
func (s *SessionService) Blacklist(ctx context.Context, visitorID, businessID, agentID string) error {
	if visitorID == "" || businessID == "" {
		return apperrors.NewValidationError("visitor_id and business_id are required", nil)
	}
	actor := events.SystemActor
	if agentID != "" {
		agent, err := s.assignment.agentInBusiness(ctx, agentID, businessID)
		if err != nil {
			return err
		}
		actor = events.AgentActor(agent.ID)
	}

	already, err := s.sessions.IsBlacklisted(ctx, visitorID, businessID)
	if err != nil {
		return apperrors.MapError(err)
	}
	if already {
		return nil
	}

	session, err := s.sessions.FindActive(ctx, visitorID, businessID)
	switch {
	case err == nil:
		closed, err := s.finish(ctx, session.ID, domain.SessionStateBlacklisted, events.CloseReasonBlacklisted, actor)
		if err != nil {
			return err
		}
		if closed != nil {
			session = closed
			break
		}
		fallthrough
	case errors.Is(err, repository.ErrNotFound):
		now := s.now()
		session = &domain.Session{
			VisitorID:  visitorID,
			BusinessID: businessID,
			State:      domain.SessionStateBlacklisted,
			ClosedAt:   &now,
		}
		if err := s.sessions.Create(ctx, session); err != nil {
			return apperrors.MapError(err)
		}
	default:
		return apperrors.MapError(err)
	}

	s.logger.Info("visitor blacklisted",
		zap.String("visitor_id", visitorID),
		zap.String("business_id", businessID),
		zap.String("session_id", session.ID))
	s.metrics.RecordEngine("blacklist", "ok")
	publish(ctx, s.dispatcher, events.New(events.EventVisitorBlacklisted, businessID, actor, s.now()).ForSession(session))
	s.drain(ctx, businessID)
	return nil
}

// TransferSession hands the visitor to another agent of the same business.
// Exclusivity is cleared: the visitor now belongs to the destination agent.
func (s *SessionService) TransferSession(ctx context.Context, req TransferRequest) (*domain.Session, error) {
	if req.ToAgentID == "" {
		return nil, apperrors.NewValidationError("to_agent_id is required", nil)
	}
	to, err := s.assignment.agentInBusiness(ctx, req.ToAgentID, req.BusinessID)
	if err != nil {
		return nil, err
	}
	if to.Bot {
		return nil, apperrors.NewValidationError("cannot transfer to a bot account", map[string]any{"agent_id": to.ID})
	}
	if !to.HasCapacity() {
		return nil, apperrors.NewConflict("agent at capacity", map[string]any{"agent_id": to.ID})
	}

	session, err := s.sessions.FindActive(ctx, req.VisitorID, req.BusinessID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("session", map[string]any{"visitor_id": req.VisitorID, "business_id": req.BusinessID})
		}
		return nil, apperrors.MapError(err)
	}
	if req.FromAgentID != "" && !session.AssignedTo(req.FromAgentID) {
		return nil, apperrors.NewConflict("session is not assigned to from_agent_id", map[string]any{
			"session_id":       session.ID,
			"current_agent_id": session.AgentID,
		})
	}
	if session.AssignedTo(to.ID) {
		return session, nil
	}

	previous := session.AgentID
	ok, err := s.sessions.Assign(ctx, repository.AssignUpdate{
		SessionID:       session.ID,
		ExpectedAgentID: previous,
		AgentID:         strPtr(to.ID),
		ClearExclusive:  true,
		At:              s.now(),
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if !ok {
		return nil, apperrors.NewConflict("session changed concurrently", map[string]any{"session_id": session.ID})
	}
	if err := s.workload.Transfer(ctx, previous, strPtr(to.ID), "transfer"); err != nil {
		s.logger.Warn("workload transfer failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	s.assignment.stampAssigned(ctx, to.ID)

	wasWaiting := session.State == domain.SessionStateWaiting
	session.AgentID = strPtr(to.ID)
	session.State = domain.SessionStateAssigned
	session.QueuePosition = nil
	session.Exclusive = false
	session.ExclusiveAgentID = nil

	s.logger.Info("session transferred",
		zap.String("visitor_id", req.VisitorID),
		zap.String("business_id", req.BusinessID),
		zap.String("session_id", session.ID),
		zap.String("from_agent_id", derefString(previous)),
		zap.String("agent_id", to.ID),
		zap.String("reason", "transfer"))

	actor := events.SystemActor
	if req.FromAgentID != "" {
		actor = events.AgentActor(req.FromAgentID)
	}
	ev := events.New(events.EventAgentChanged, req.BusinessID, actor, s.now()).ForSession(session)
	publish(ctx, s.dispatcher, ev.WithPayload(events.AgentChangedPayload{
		OldAgentID: previous,
		NewAgentID: session.AgentID,
		Reason:     "transfer",
	}))
	if wasWaiting {
		s.drain(ctx, req.BusinessID)
	}
	return session, nil
}

// finish moves a session to a terminal state, releases its agent's load and emits
// the close event. A nil session means someone else closed it first.
func (s *SessionService) finish(ctx context.Context, sessionID string, state domain.SessionState, reason events.CloseReason, actor events.Actor) (*domain.Session, error) {
	closed, err := s.sessions.Close(ctx, sessionID, state, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	if closed.HasHuman() {
		if _, err := s.workload.Decrement(ctx, *closed.AgentID, string(reason)); err != nil {
			s.logger.Warn("decrement on close failed", zap.String("agent_id", *closed.AgentID), zap.Error(err))
		}
	}

	s.logger.Info("session closed",
		zap.String("visitor_id", closed.VisitorID),
		zap.String("business_id", closed.BusinessID),
		zap.String("agent_id", derefString(closed.AgentID)),
		zap.String("session_id", closed.ID),
		zap.String("reason", string(reason)))
	s.metrics.RecordEngine("session_close", string(reason))

	if state == domain.SessionStateComplete {
		ev := events.New(events.EventSessionClosed, closed.BusinessID, actor, s.now()).ForSession(closed)
		publish(ctx, s.dispatcher, ev.WithPayload(events.SessionClosedPayload{Reason: reason}))
	}
	return closed, nil
}

func (s *SessionService) drain(ctx context.Context, businessID string) {
	if _, err := s.assignment.ProcessQueue(ctx, businessID); err != nil {
		s.logger.Warn("queue drain failed", zap.String("business_id", businessID), zap.Error(err))
	}
}
