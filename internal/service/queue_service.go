package service

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/config"
	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/repository"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

// QueueStatus is what a visitor sees about their place in line.
type QueueStatus struct {
	SessionID     string              `json:"session_id"`
	State         domain.SessionState `json:"state"`
	Position      int                 `json:"position"`
	EstimatedWait int                 `json:"estimated_wait"`
	AgentID       *string             `json:"agent_id,omitempty"`
}

// QueueEstimator computes queue positions and wait estimates.
type QueueEstimator struct {
	sessions   repository.SessionRepository
	agents     repository.AgentRepository
	dispatcher events.Dispatcher
	cfg        config.EngineConfig
	logger     *zap.Logger
	now        func() time.Time
}

// QueueDependencies bundles collaborators.
type QueueDependencies struct {
	SessionRepo repository.SessionRepository
	AgentRepo   repository.AgentRepository
	Dispatcher  events.Dispatcher
	Config      config.EngineConfig
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewQueueEstimator creates the estimator.
func NewQueueEstimator(deps QueueDependencies) *QueueEstimator {
	return &QueueEstimator{
		sessions:   deps.SessionRepo,
		agents:     deps.AgentRepo,
		dispatcher: deps.Dispatcher,
		cfg:        deps.Config,
		logger:     loggerOrNop(deps.Logger),
		now:        clockOrNow(deps.Clock),
	}
}

// Position is 1 + the number of waiting sessions ahead of s in the business queue.
func (q *QueueEstimator) Position(ctx context.Context, s *domain.Session) (int, error) {
	ahead, err := q.sessions.CountAhead(ctx, s)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// AvgHandleTime is the mean duration of recently completed sessions, ignoring
// implausible samples, or the configured default without history.
func (q *QueueEstimator) AvgHandleTime(ctx context.Context, businessID string) (time.Duration, error) {
	since := q.now().Add(-q.cfg.HandleTimeWindow)
	recent, err := q.sessions.RecentCompleted(ctx, businessID, since, q.cfg.HandleTimeSamples)
	if err != nil {
		return 0, err
	}
	var (
		total time.Duration
		n     int
	)
	for i := range recent {
		d, ok := recent[i].HandleTime()
		if !ok || d < q.cfg.MinHandleTime || d > q.cfg.MaxHandleTime {
			continue
		}
		total += d
		n++
	}
	if n == 0 {
		return q.cfg.DefaultHandleTime, nil
	}
	return total / time.Duration(n), nil
}

// PriorityFactor compresses the estimate for higher priority visitors.
func (q *QueueEstimator) PriorityFactor(p domain.Priority) float64 {
	switch p {
	case domain.PriorityUrgent:
		return q.cfg.PriorityFactorUrgent
	case domain.PriorityVIP:
		return q.cfg.PriorityFactorVIP
	default:
		return q.cfg.PriorityFactorNormal
	}
}

// ETA returns seconds to wait, or domain.ETAUnknown with nobody online.
func (q *QueueEstimator) ETA(position, onlineAgents int, avg time.Duration, p domain.Priority) int {
	if onlineAgents <= 0 {
		return domain.ETAUnknown
	}
	seconds := float64(position) / float64(onlineAgents) * avg.Seconds() * q.PriorityFactor(p)
	return int(math.Round(seconds))
}

// Estimate computes position and ETA for one waiting session.
func (q *QueueEstimator) Estimate(ctx context.Context, s *domain.Session) (int, int, error) {
	position, err := q.Position(ctx, s)
	if err != nil {
		return 0, 0, err
	}
	online, err := q.agents.CountOnline(ctx, s.BusinessID)
	if err != nil {
		return 0, 0, err
	}
	avg, err := q.AvgHandleTime(ctx, s.BusinessID)
	if err != nil {
		return 0, 0, err
	}
	return position, q.ETA(position, online, avg, s.Priority), nil
}

// Enqueue stores a fresh estimate on a waiting session.
func (q *QueueEstimator) Enqueue(ctx context.Context, s *domain.Session) error {
	position, eta, err := q.Estimate(ctx, s)
	if err != nil {
		return err
	}
	if err := q.sessions.UpdateQueueInfo(ctx, s.ID, position, eta); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	s.QueuePosition = &position
	s.EstimatedWait = eta
	return nil
}

// RefreshBusiness rewrites positions for the whole waiting list in canonical order
// and notifies visitors whose numbers changed. It returns how many changed.
func (q *QueueEstimator) RefreshBusiness(ctx context.Context, businessID string) (int, error) {
	waiting, err := q.sessions.ListWaiting(ctx, businessID)
	if err != nil || len(waiting) == 0 {
		return 0, err
	}
	online, err := q.agents.CountOnline(ctx, businessID)
	if err != nil {
		return 0, err
	}
	avg, err := q.AvgHandleTime(ctx, businessID)
	if err != nil {
		return 0, err
	}

	changed := 0
	for i := range waiting {
		s := &waiting[i]
		position := i + 1
		eta := q.ETA(position, online, avg, s.Priority)
		if s.QueuePosition != nil && *s.QueuePosition == position && s.EstimatedWait == eta {
			continue
		}
		if err := q.sessions.UpdateQueueInfo(ctx, s.ID, position, eta); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return changed, err
		}
		changed++
		q.publish(ctx, s, position, eta)
	}
	return changed, nil
}

// GetQueueStatus reports the visitor's active session standing.
func (q *QueueEstimator) GetQueueStatus(ctx context.Context, visitorID, businessID string) (*QueueStatus, error) {
	s, err := q.sessions.FindActive(ctx, visitorID, businessID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("session", map[string]any{"visitor_id": visitorID, "business_id": businessID})
		}
		return nil, apperrors.MapError(err)
	}
	status := &QueueStatus{SessionID: s.ID, State: s.State, AgentID: s.AgentID}
	if s.State != domain.SessionStateWaiting {
		return status, nil
	}
	position, eta, err := q.Estimate(ctx, s)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	status.Position = position
	status.EstimatedWait = eta
	return status, nil
}

// UpdatePriority changes the priority of the visitor's active session. A waiting
// visitor is re-ranked and every visitor whose place or estimate moved is notified.
func (q *QueueEstimator) UpdatePriority(ctx context.Context, visitorID, businessID string, priority domain.Priority) (*QueueStatus, error) {
	if !priority.Valid() {
		return nil, apperrors.NewValidationError("unknown priority", map[string]any{"priority": int(priority)})
	}
	s, err := q.sessions.FindActive(ctx, visitorID, businessID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("session", map[string]any{"visitor_id": visitorID, "business_id": businessID})
		}
		return nil, apperrors.MapError(err)
	}
	previous := s.Priority
	if previous != priority {
		if err := q.sessions.UpdatePriority(ctx, s.ID, priority); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apperrors.NewConflict("session is no longer active", map[string]any{"session_id": s.ID})
			}
			return nil, apperrors.MapError(err)
		}
		q.logger.Info("visitor priority updated",
			zap.String("visitor_id", visitorID),
			zap.String("business_id", businessID),
			zap.Stringer("from", previous),
			zap.Stringer("to", priority))
		if s.State == domain.SessionStateWaiting {
			if _, err := q.RefreshBusiness(ctx, businessID); err != nil {
				return nil, apperrors.MapError(err)
			}
		}
	}
	return q.GetQueueStatus(ctx, visitorID, businessID)
}

func (q *QueueEstimator) publish(ctx context.Context, s *domain.Session, position, eta int) {
	if q.dispatcher == nil {
		return
	}
	ev := events.New(events.EventQueueUpdated, s.BusinessID, events.SystemActor, q.now()).ForSession(s)
	_ = q.dispatcher.Publish(ctx, ev.WithPayload(events.QueueUpdatedPayload{Position: position, EstimatedWait: eta}))
}
