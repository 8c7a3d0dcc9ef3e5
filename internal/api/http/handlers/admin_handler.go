package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/livechat-engine/internal/api/dto"
	"github.com/spec-kit/livechat-engine/internal/service"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

// AdminHandler exposes maintenance operations for admins and the system.
type AdminHandler struct {
	workload *service.WorkloadManager
	sessions *service.SessionService
}

// NewAdminHandler constructs handler.
func NewAdminHandler(workload *service.WorkloadManager, sessions *service.SessionService) *AdminHandler {
	return &AdminHandler{workload: workload, sessions: sessions}
}

// ResyncWorkloads POST /v1/admin/businesses/:businessID/workloads/resync.
func (h *AdminHandler) ResyncWorkloads(c *fiber.Ctx) error {
	businessID := c.Params("businessID")
	if _, err := scopedPrincipal(c, businessID); err != nil {
		return err
	}
	loads, err := h.workload.ResyncBusiness(c.UserContext(), businessID, "admin_resync")
	if err != nil {
		return err
	}
	items := make([]dto.WorkloadResponse, 0, len(loads))
	for _, l := range loads {
		items = append(items, dto.WorkloadResponse{AgentID: l.AgentID, CurrentLoad: l.Current, MaxCapacity: l.Max, Admin: l.Admin})
	}
	return c.JSON(fiber.Map{"data": items})
}

// Blacklist POST /v1/admin/visitors/blacklist.
func (h *AdminHandler) Blacklist(c *fiber.Ctx) error {
	var req dto.BlacklistRequest
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
	if err := h.sessions.Blacklist(c.UserContext(), req.VisitorID, req.BusinessID, req.AgentID); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}
