package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/livechat-engine/internal/api/dto"
	"github.com/spec-kit/livechat-engine/internal/auth"
	"github.com/spec-kit/livechat-engine/internal/service"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

// AssignmentHandler exposes visitor placement and agent views.
type AssignmentHandler struct {
	assignment *service.AssignmentService
	queue      *service.QueueEstimator
}

// NewAssignmentHandler constructs handler.
func NewAssignmentHandler(assignment *service.AssignmentService, queue *service.QueueEstimator) *AssignmentHandler {
	return &AssignmentHandler{assignment: assignment, queue: queue}
}

// Assign POST /v1/assignments.
func (h *AssignmentHandler) Assign(c *fiber.Ctx) error {
	var req dto.AssignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if _, err := scopedPrincipal(c, req.BusinessID); err != nil {
		return err
	}
	result, err := h.assignment.AssignVisitor(c.UserContext(), service.AssignRequest{
		VisitorID:        req.VisitorID,
		BusinessID:       req.BusinessID,
		ExclusiveAgentID: req.ExclusiveAgentID,
		Priority:         req.Priority,
	})
	if err != nil {
		return err
	}
	if result.Action == service.ActionBlacklisted {
		return apperrors.NewBlacklisted(req.VisitorID, req.BusinessID)
	}

	status := http.StatusOK
	if !result.Resumed {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": assignmentResponse(result)})
}

// QueueStatus GET /v1/businesses/:businessID/visitors/:visitorID/queue.
func (h *AssignmentHandler) QueueStatus(c *fiber.Ctx) error {
	businessID := c.Params("businessID")
	if _, err := scopedPrincipal(c, businessID); err != nil {
		return err
	}
	status, err := h.queue.GetQueueStatus(c.UserContext(), c.Params("visitorID"), businessID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": status})
}

// UpdatePriority PUT /v1/businesses/:businessID/visitors/:visitorID/priority.
func (h *AssignmentHandler) UpdatePriority(c *fiber.Ctx) error {
	businessID := c.Params("businessID")
	if _, err := scopedPrincipal(c, businessID); err != nil {
		return err
	}
	var req dto.UpdatePriorityRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Priority == nil {
		return apperrors.NewValidationError("priority is required", nil)
	}
	status, err := h.queue.UpdatePriority(c.UserContext(), c.Params("visitorID"), businessID, *req.Priority)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": status})
}

// ReplyPermission POST /v1/permissions/reply.
func (h *AssignmentHandler) ReplyPermission(c *fiber.Ctx) error {
	var req dto.ReplyPermissionRequest
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
	if req.AgentID == "" || req.VisitorID == "" {
		return apperrors.NewValidationError("agent_id and visitor_id are required", nil)
	}
	permission, err := h.assignment.CheckReplyPermission(c.UserContext(), req.AgentID, req.VisitorID, req.BusinessID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": permission})
}

// AgentSessions GET /v1/agents/:agentID/sessions?all=true.
func (h *AssignmentHandler) AgentSessions(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	agentID := c.Params("agentID")
	if self := actingAgentID(principal); self != "" && self != agentID {
		return apperrors.NewForbidden("agents may only list their own sessions")
	}
	views, err := h.assignment.ListAgentSessions(c.UserContext(), agentID, c.QueryBool("all"))
	if err != nil {
		return err
	}
	items := make([]dto.AgentSessionResponse, 0, len(views))
	for i := range views {
		if !principal.CanAccessBusiness(views[i].Session.BusinessID) {
			return apperrors.NewForbidden("business not accessible")
		}
		items = append(items, dto.AgentSessionResponse{
			Session:  *dto.NewSessionResponse(&views[i].Session),
			IsMine:   views[i].IsMine,
			CanReply: views[i].CanReply,
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

func assignmentResponse(result *service.AssignmentResult) dto.AssignmentResponse {
	resp := dto.AssignmentResponse{
		Action:        string(result.Action),
		Session:       dto.NewSessionResponse(result.Session),
		Agent:         dto.NewAgentResponse(result.Agent),
		Position:      result.Position,
		EstimatedWait: result.EstimatedWait,
		Resumed:       result.Resumed,
		AgentOnline:   result.AgentOnline,
	}
	if result.Tier != 0 {
		resp.Tier = result.Tier.String()
	}
	return resp
}
