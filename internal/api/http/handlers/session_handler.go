package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/livechat-engine/internal/api/dto"
	"github.com/spec-kit/livechat-engine/internal/service"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

// SessionHandler manages session lifecycle endpoints.
type SessionHandler struct {
	sessions *service.SessionService
	routing  *service.RoutingService
}

// NewSessionHandler constructs handler.
func NewSessionHandler(sessions *service.SessionService, routing *service.RoutingService) *SessionHandler {
	return &SessionHandler{sessions: sessions, routing: routing}
}

// Close POST /v1/sessions/close.
func (h *SessionHandler) Close(c *fiber.Ctx) error {
	var req dto.CloseSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	principal, err := scopedPrincipal(c, req.BusinessID)
	if err != nil {
		return err
	}
	if self := actingAgentID(principal); self != "" {
		req.AgentID = self
	}
	session, err := h.sessions.CloseSession(c.UserContext(), req.VisitorID, req.BusinessID, req.AgentID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewSessionResponse(session)})
}

// Route POST /v1/sessions/route runs the pre-forward check for a visitor message.
func (h *SessionHandler) Route(c *fiber.Ctx) error {
	var req dto.VisitorRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if _, err := scopedPrincipal(c, req.BusinessID); err != nil {
		return err
	}
	decision, err := h.routing.RouteVisitorMessage(c.UserContext(), req.VisitorID, req.BusinessID)
	if err != nil {
		return err
	}
	if decision.Target == service.RouteRejected {
		return apperrors.NewBlacklisted(req.VisitorID, req.BusinessID)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"target":            decision.Target,
		"session":           dto.NewSessionResponse(decision.Session),
		"agent_id":          decision.AgentID,
		"agent_online":      decision.AgentOnline,
		"reassigned":        decision.Reassigned,
		"previous_agent_id": decision.PreviousAgent,
		"position":          decision.Position,
		"estimated_wait":    decision.EstimatedWait,
	}})
}

// Transfer POST /v1/sessions/transfer. Regular agents may only hand off their own sessions.
func (h *SessionHandler) Transfer(c *fiber.Ctx) error {
	var req dto.TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	principal, err := scopedPrincipal(c, req.BusinessID)
	if err != nil {
		return err
	}
	if self := actingAgentID(principal); self != "" && !principal.IsAdmin() {
		req.FromAgentID = self
	}
	session, err := h.sessions.TransferSession(c.UserContext(), service.TransferRequest{
		VisitorID:   req.VisitorID,
		BusinessID:  req.BusinessID,
		FromAgentID: req.FromAgentID,
		ToAgentID:   req.ToAgentID,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewSessionResponse(session)})
}
