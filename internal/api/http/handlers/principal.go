package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/livechat-engine/internal/auth"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

// scopedPrincipal returns the caller after checking it may act on businessID.
func scopedPrincipal(c *fiber.Ctx, businessID string) (*auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	if businessID == "" {
		return nil, apperrors.NewValidationError("business_id is required", nil)
	}
	if !principal.CanAccessBusiness(businessID) {
		return nil, apperrors.NewForbidden("business not accessible")
	}
	return principal, nil
}

// actingAgentID is the caller's own agent id, or "" for system callers.
func actingAgentID(p *auth.Principal) string {
	if p.Agent == nil {
		return ""
	}
	return p.Agent.ID
}
