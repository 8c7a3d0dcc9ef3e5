package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/livechat-engine/internal/api/http/handlers"
	"github.com/spec-kit/livechat-engine/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Assignments    *handlers.AssignmentHandler
	Sessions       *handlers.SessionHandler
	Admin          *handlers.AdminHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	v1 := app.Group("/v1", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())
	v1.Post("/assignments", cfg.Assignments.Assign)
	v1.Get("/businesses/:businessID/visitors/:visitorID/queue", cfg.Assignments.QueueStatus)
	v1.Put("/businesses/:businessID/visitors/:visitorID/priority", cfg.Assignments.UpdatePriority)
	v1.Post("/permissions/reply", cfg.Assignments.ReplyPermission)
	v1.Get("/agents/:agentID/sessions", auth.RequireAgent(), cfg.Assignments.AgentSessions)

	v1.Post("/sessions/close", cfg.Sessions.Close)
	v1.Post("/sessions/route", cfg.Sessions.Route)
	v1.Post("/sessions/transfer", cfg.Sessions.Transfer)

	admin := v1.Group("/admin", auth.RequireAdmin())
	admin.Post("/businesses/:businessID/workloads/resync", cfg.Admin.ResyncWorkloads)
	admin.Post("/visitors/blacklist", cfg.Admin.Blacklist)
}
