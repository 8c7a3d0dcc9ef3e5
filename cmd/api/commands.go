package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/spec-kit/livechat-engine/internal/api/http"
	"github.com/spec-kit/livechat-engine/internal/api/http/handlers"
	"github.com/spec-kit/livechat-engine/internal/api/ws"
	"github.com/spec-kit/livechat-engine/internal/auth"
	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/persistence"
	"github.com/spec-kit/livechat-engine/internal/presence"
	"github.com/spec-kit/livechat-engine/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the HTTP API, the websocket gateway and the session monitor",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := bootstrap(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.serve(ctx)
		},
	}
}

func (rt *runtime) serve(ctx context.Context) error {
	cfg, logger := rt.cfg, rt.logger
	authMiddleware := auth.NewAuthMiddleware(rt.tokens, rt.agents)

	deps := map[string]handlers.Pinger{}
	if rt.postgres.PoolHandle() != nil {
		deps["postgres"] = rt.postgres
	}
	if rt.redis != nil {
		deps["redis"] = rt.redis
	}

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger, rt.metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, deps),
		Assignments:    handlers.NewAssignmentHandler(rt.engine.Assignment, rt.engine.Queue),
		Sessions:       handlers.NewSessionHandler(rt.engine.Sessions, rt.engine.Routing),
		Admin:          handlers.NewAdminHandler(rt.engine.Workload, rt.engine.Sessions),
		AuthMiddleware: authMiddleware,
	})

	gateway := ws.NewGateway(ws.GatewayDependencies{
		Presence: rt.engine.Presence,
		Routing:  rt.engine.Routing,
		Notifier: rt.notifier,
		Auth:     authMiddleware,
		Config:   cfg.WS,
		Logger:   logger,
	})
	wsServer := &http.Server{
		Addr:              cfg.WS.Addr(),
		Handler:           gateway.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	monitor := worker.NewSessionMonitor(worker.MonitorDependencies{
		BusinessRepo: rt.businesses,
		AgentRepo:    rt.agents,
		SessionRepo:  rt.sessions,
		Sessions:     rt.engine.Sessions,
		Assignment:   rt.engine.Assignment,
		Ledger:       rt.ledger,
		Dispatcher:   rt.dispatcher,
		Config:       cfg.Engine,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.App.Addr()))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		logger.Info("websocket gateway listening", zap.String("addr", cfg.WS.Addr()))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = wsServer.Shutdown(shutdownCtx)
		return app.ShutdownWithContext(shutdownCtx)
	})
	g.Go(func() error { return monitor.Run(gctx) })
	if rt.fanout != nil {
		g.Go(func() error { return rt.fanout.Run(gctx) })
		g.Go(func() error {
			return presence.RunHeartbeat(gctx, rt.registry, rt.ledger, cfg.Engine.PresenceHeartbeat, logger)
		})
	}

	err := g.Wait()
	rt.engine.Presence.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply SQL migrations to Postgres",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "migrations directory (defaults to POSTGRES_MIGRATIONS_DIR)"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if cfg.Postgres.DSN == "" {
				return errors.New("POSTGRES_DSN is required for migrate")
			}
			pg, err := persistence.NewPostgres(c.Context, cfg.Postgres, logger)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()

			dir := cfg.Postgres.MigrationsDir
			if c.String("dir") != "" {
				dir = c.String("dir")
			}
			return persistence.RunMigrations(c.Context, pg.PoolHandle(), dir, logger)
		},
	}
}

func resyncCmd() *cli.Command {
	return &cli.Command{
		Name:  "resync-workloads",
		Usage: "Recompute every agent's load of a business from active sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "business", Aliases: []string{"b"}, Required: true, Usage: "business id"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			rt, err := bootstrap(c.Context, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			loads, err := rt.engine.Workload.ResyncBusiness(c.Context, c.String("business"), "cli_resync")
			if err != nil {
				return err
			}
			for _, l := range loads {
				fmt.Fprintf(c.App.Writer, "%s\t%d/%d\tadmin=%t\n", l.AgentID, l.Current, l.Max, l.Admin)
			}
			return nil
		},
	}
}

func issueTokenCmd() *cli.Command {
	return &cli.Command{
		Name:  "issue-token",
		Usage: "Print a bearer token for an agent or for system callers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Value: "agent", Usage: "agent or system"},
			&cli.StringFlag{Name: "id", Required: true, Usage: "agent id, or a caller name for system tokens"},
			&cli.StringFlag{Name: "business", Usage: "business id (agent tokens)"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			var subject domain.SubjectType
			switch c.String("subject") {
			case "agent":
				subject = domain.SubjectTypeAgent
				if c.String("business") == "" {
					return errors.New("--business is required for agent tokens")
				}
			case "system":
				subject = domain.SubjectTypeSystem
			default:
				return fmt.Errorf("unknown subject %q", c.String("subject"))
			}

			tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
			token, expiresAt, err := tokens.GenerateToken(c.String("id"), subject, c.String("business"), nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			logger.Info("token issued",
				zap.String("subject", string(subject)),
				zap.String("subject_id", c.String("id")),
				zap.Time("expires_at", expiresAt))
			return nil
		},
	}
}
