package service

import (
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/config"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/observability"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/repository"
)

// Engine is the wired set of services sharing one store, ledger and dispatcher.
type Engine struct {
	Workload   *WorkloadManager
	Queue      *QueueEstimator
	Assignment *AssignmentService
	Routing    *RoutingService
	Sessions   *SessionService
	Presence   *PresenceService
}

// EngineDependencies bundles what every service needs.
type EngineDependencies struct {
	BusinessRepo repository.BusinessRepository
	AgentRepo    repository.AgentRepository
	SessionRepo  repository.SessionRepository
	VisitorRepo  repository.VisitorRepository
	Registry     *presence.Registry
	Ledger       presence.Ledger
	Dispatcher   events.Dispatcher
	Metrics      *observability.Metrics
	Config       config.EngineConfig
	Logger       *zap.Logger
	Clock        func() time.Time
}

// NewEngine builds the services in dependency order.
func NewEngine(deps EngineDependencies) *Engine {
	e := &Engine{}
	e.Workload = NewWorkloadManager(WorkloadDependencies{
		AgentRepo:   deps.AgentRepo,
		SessionRepo: deps.SessionRepo,
		Dispatcher:  deps.Dispatcher,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
		Clock:       deps.Clock,
	})
	e.Queue = NewQueueEstimator(QueueDependencies{
		SessionRepo: deps.SessionRepo,
		AgentRepo:   deps.AgentRepo,
		Dispatcher:  deps.Dispatcher,
		Config:      deps.Config,
		Logger:      deps.Logger,
		Clock:       deps.Clock,
	})
	e.Assignment = NewAssignmentService(AssignmentDependencies{
		BusinessRepo: deps.BusinessRepo,
		AgentRepo:    deps.AgentRepo,
		SessionRepo:  deps.SessionRepo,
		Ledger:       deps.Ledger,
		Workload:     e.Workload,
		Queue:        e.Queue,
		Dispatcher:   deps.Dispatcher,
		Metrics:      deps.Metrics,
		Logger:       deps.Logger,
		Clock:        deps.Clock,
	})
	e.Routing = NewRoutingService(RoutingDependencies{
		AgentRepo:   deps.AgentRepo,
		SessionRepo: deps.SessionRepo,
		Assignment:  e.Assignment,
		Workload:    e.Workload,
		Dispatcher:  deps.Dispatcher,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
		Clock:       deps.Clock,
	})
	e.Sessions = NewSessionService(SessionDependencies{
		AgentRepo:   deps.AgentRepo,
		SessionRepo: deps.SessionRepo,
		Assignment:  e.Assignment,
		Workload:    e.Workload,
		Dispatcher:  deps.Dispatcher,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
		Clock:       deps.Clock,
	})
	e.Presence = NewPresenceService(PresenceDependencies{
		Registry:          deps.Registry,
		Ledger:            deps.Ledger,
		AgentRepo:         deps.AgentRepo,
		VisitorRepo:       deps.VisitorRepo,
		Workload:          e.Workload,
		Assignment:        e.Assignment,
		Sessions:          e.Sessions,
		Dispatcher:        deps.Dispatcher,
		Logger:            deps.Logger,
		Clock:             deps.Clock,
		SideEffectTimeout: deps.Config.SideEffectTimeout,
	})
	return e
}
