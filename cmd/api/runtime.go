package main

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/auth"
	"github.com/spec-kit/livechat-engine/internal/broker"
	"github.com/spec-kit/livechat-engine/internal/config"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/notify"
	"github.com/spec-kit/livechat-engine/internal/observability"
	"github.com/spec-kit/livechat-engine/internal/persistence"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/repository"
	"github.com/spec-kit/livechat-engine/internal/service"
	"github.com/spec-kit/livechat-engine/internal/worker"
)

// runtime holds every long-lived dependency of a process.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	postgres *persistence.Postgres
	redis    *persistence.Redis

	businesses repository.BusinessRepository
	agents     repository.AgentRepository
	sessions   repository.SessionRepository
	visitors   repository.VisitorRepository

	registry   *presence.Registry
	ledger     presence.Ledger
	notifier   notify.Notifier
	fanout     *notify.RedisFanout
	dispatcher events.Dispatcher

	amqpConn  *amqp091.Connection
	publisher broker.Publisher

	engine *service.Engine
	tokens *auth.TokenManager
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// bootstrap connects stores and wires the engine. Without POSTGRES_DSN the
// process runs on the in-memory store; without Redis presence and notifications
// stay process-local.
func bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.NewMetrics(),
		registry: presence.NewRegistry(),
		tokens:   auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes),
	}

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	rt.postgres = pg
	if pool := pg.PoolHandle(); pool != nil {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pool, cfg.Postgres.MigrationsDir, logger); err != nil {
				rt.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		rt.businesses = repository.NewBusinessRepository(pool)
		rt.agents = repository.NewAgentRepository(pool)
		rt.sessions = repository.NewSessionRepository(pool)
		rt.visitors = repository.NewVisitorRepository(pool)
	} else {
		logger.Warn("running on the in-memory store; state is lost on restart")
		store := repository.NewMemoryStore()
		rt.businesses = store.Businesses()
		rt.agents = store.Agents()
		rt.sessions = store.Sessions()
		rt.visitors = store.Visitors()
	}

	local := notify.NewLocalDelivery(rt.registry)
	if redis, err := persistence.ConnectRedis(ctx, cfg.Redis, logger); err == nil {
		rt.redis = redis
		rt.ledger = presence.NewRedisLedger(redis.Client, cfg.Redis.PresenceTTL)
		rt.fanout = notify.NewRedisFanout(redis.Client, cfg.Redis.NotifyChannel, local, logger)
		rt.notifier = rt.fanout
	} else {
		logger.Warn("redis unavailable; presence ledger and notifications are process-local", zap.Error(err))
		rt.ledger = presence.NewLocalLedger(rt.registry)
		rt.notifier = local
	}

	rt.dispatcher = events.NewInMemoryDispatcher(func(ev events.Event, err error) {
		logger.Warn("event handler failed",
			zap.String("event", string(ev.Type)),
			zap.String("business_id", ev.BusinessID),
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
	})

	rt.engine = service.NewEngine(service.EngineDependencies{
		BusinessRepo: rt.businesses,
		AgentRepo:    rt.agents,
		SessionRepo:  rt.sessions,
		VisitorRepo:  rt.visitors,
		Registry:     rt.registry,
		Ledger:       rt.ledger,
		Dispatcher:   rt.dispatcher,
		Metrics:      rt.metrics,
		Config:       cfg.Engine,
		Logger:       logger,
	})

	var exporter *broker.Exporter
	if cfg.Rabbit.URL != "" {
		if exporter, err = rt.dialBroker(ctx); err != nil {
			logger.Warn("event export disabled", zap.Error(err))
		}
	}
	worker.StartNotificationWorker(rt.dispatcher, service.NewNotificationService(rt.dispatcher, rt.notifier, logger), exporter)
	return rt, nil
}

func (rt *runtime) dialBroker(ctx context.Context) (*broker.Exporter, error) {
	conn, err := broker.DialWithRetry(ctx, rt.cfg.Rabbit, rt.logger)
	if err != nil {
		return nil, err
	}
	publisher, err := broker.NewPublisher(conn, rt.cfg.Rabbit.Exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	rt.amqpConn = conn
	rt.publisher = publisher
	return broker.NewExporter(publisher, rt.logger), nil
}

// Close releases connections in reverse order of acquisition.
func (rt *runtime) Close() {
	if rt.publisher != nil {
		_ = rt.publisher.Close()
	}
	if rt.amqpConn != nil {
		_ = rt.amqpConn.Close()
	}
	if rt.redis != nil {
		rt.redis.Close()
	}
	if rt.postgres != nil {
		rt.postgres.Close()
	}
}
