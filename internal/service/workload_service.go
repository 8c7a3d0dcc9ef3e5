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

// WorkloadManager is the only writer of agent load counters.
type WorkloadManager struct {
	agents     repository.AgentRepository
	sessions   repository.SessionRepository
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// WorkloadDependencies bundles collaborators.
type WorkloadDependencies struct {
	AgentRepo   repository.AgentRepository
	SessionRepo repository.SessionRepository
	Dispatcher  events.Dispatcher
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	Clock       func() time.Time
}

// NewWorkloadManager creates the manager.
func NewWorkloadManager(deps WorkloadDependencies) *WorkloadManager {
	return &WorkloadManager{
		agents:     deps.AgentRepo,
		sessions:   deps.SessionRepo,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     loggerOrNop(deps.Logger),
		now:        clockOrNow(deps.Clock),
	}
}

// Increment adds one to a regular agent's load, clamped at capacity. Admins report 0.
// Exclusive binds use it and may leave the agent holding more sessions than units.
func (w *WorkloadManager) Increment(ctx context.Context, agentID, reason string) (repository.Workload, error) {
	load, err := w.agents.IncrementLoad(ctx, agentID)
	if err != nil {
		return repository.Workload{}, w.mapAgentErr(err, agentID)
	}
	w.broadcast(ctx, load, reason)
	return load, nil
}

// Decrement removes one from a regular agent's load, floored at zero. While the agent
// still holds capacity or more sessions, exclusive binds included, the counter stays at
// capacity. Admins report 0.
func (w *WorkloadManager) Decrement(ctx context.Context, agentID, reason string) (repository.Workload, error) {
	load, err := w.agents.DecrementLoad(ctx, agentID)
	if err != nil {
		return repository.Workload{}, w.mapAgentErr(err, agentID)
	}
	w.broadcast(ctx, load, reason)
	return load, nil
}

// Reserve claims one unit of capacity on agent for a new assignment. Admins always
// succeed without a write; a full regular agent returns ok=false.
func (w *WorkloadManager) Reserve(ctx context.Context, agent *domain.Agent, reason string) (bool, error) {
	if agent.IsAdmin() {
		return true, nil
	}
	load, ok, err := w.agents.ReserveLoad(ctx, agent.ID)
	if err != nil {
		return false, apperrors.MapError(err)
	}
	if ok {
		w.broadcast(ctx, load, reason)
	}
	return ok, nil
}

// Transfer moves one unit of load from one agent to another. Either side may be nil.
func (w *WorkloadManager) Transfer(ctx context.Context, fromAgentID, toAgentID *string, reason string) error {
	if fromAgentID != nil && toAgentID != nil && *fromAgentID == *toAgentID {
		return nil
	}
	if fromAgentID != nil {
		if _, err := w.Decrement(ctx, *fromAgentID, reason); err != nil {
			return err
		}
	}
	if toAgentID != nil {
		if _, err := w.Increment(ctx, *toAgentID, reason); err != nil {
			return err
		}
	}
	return nil
}

// Resync overwrites the counter with the number of sessions actually assigned to the agent.
func (w *WorkloadManager) Resync(ctx context.Context, agentID, reason string) (repository.Workload, error) {
	count, err := w.sessions.CountActiveFor(ctx, agentID)
	if err != nil {
		return repository.Workload{}, apperrors.MapError(err)
	}
	load, err := w.agents.SetLoad(ctx, agentID, count)
	if err != nil {
		return repository.Workload{}, w.mapAgentErr(err, agentID)
	}
	if !load.Admin && count > load.Max {
		w.logger.Warn("agent holds more sessions than capacity",
			zap.String("agent_id", agentID),
			zap.Int("sessions", count),
			zap.Int("max", load.Max))
	}
	w.metrics.RecordEngine("workload_resync", "ok")
	w.broadcast(ctx, load, reason)
	return load, nil
}

// ResyncBusiness resyncs every agent of a business.
func (w *WorkloadManager) ResyncBusiness(ctx context.Context, businessID, reason string) ([]repository.Workload, error) {
	agents, err := w.agents.ListByBusiness(ctx, businessID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	loads := make([]repository.Workload, 0, len(agents))
	for _, agent := range agents {
		load, err := w.Resync(ctx, agent.ID, reason)
		if err != nil {
			return loads, err
		}
		loads = append(loads, load)
	}
	w.logger.Info("workloads resynced",
		zap.String("business_id", businessID),
		zap.Int("agents", len(loads)),
		zap.String("reason", reason))
	return loads, nil
}

func (w *WorkloadManager) broadcast(ctx context.Context, load repository.Workload, reason string) {
	if load.Admin || w.dispatcher == nil {
		return
	}
	agent, err := w.agents.GetByID(ctx, load.AgentID)
	if err != nil {
		return
	}
	agent.CurrentLoad = load.Current
	agent.MaxCapacity = load.Max
	ev := events.New(events.EventWorkloadUpdated, agent.BusinessID, events.SystemActor, w.now())
	ev.AgentID = &agent.ID
	_ = w.dispatcher.Publish(ctx, ev.WithPayload(events.WorkloadUpdatedPayload{
		AgentID:     agent.ID,
		Current:     load.Current,
		Max:         load.Max,
		Utilization: agent.Utilization(),
		Reason:      reason,
	}))
}

func (w *WorkloadManager) mapAgentErr(err error, agentID string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NewNotFound("agent", map[string]any{"agent_id": agentID})
	}
	return apperrors.MapError(err)
}
