package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/livechat-engine/internal/domain"
	"github.com/spec-kit/livechat-engine/internal/repository"
	apperrors "github.com/spec-kit/livechat-engine/pkg/util/errorutil"
)

const principalKey = "auth_principal"

// Principal represents the authenticated caller.
type Principal struct {
	SubjectType domain.SubjectType
	SubjectID   string
	BusinessID  string
	Agent       *domain.Agent
}

// IsAdmin reports whether the caller may use administrative operations.
func (p *Principal) IsAdmin() bool {
	return p.SubjectType == domain.SubjectTypeSystem || p.Agent.IsAdmin()
}

// CanAccessBusiness reports whether the caller is scoped to businessID.
func (p *Principal) CanAccessBusiness(businessID string) bool {
	return p.SubjectType == domain.SubjectTypeSystem || p.BusinessID == businessID
}

// AuthMiddleware validates bearer tokens and loads principals.
type AuthMiddleware struct {
	tokens *TokenManager
	agents repository.AgentRepository
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager, agents repository.AgentRepository) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, agents: agents}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	token, err := BearerToken(c.Get("Authorization"))
	if err != nil {
		return err
	}
	principal, err := m.Authenticate(c.UserContext(), token)
	if err != nil {
		return err
	}
	c.Locals(principalKey, principal)
	return c.Next()
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", apperrors.NewUnauthorized("missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", apperrors.NewUnauthorized("invalid authorization header")
	}
	return parts[1], nil
}

// Authenticate validates a raw token and resolves the principal behind it. Agent
// tokens are checked against the store so deleted or moved agents are refused.
func (m *AuthMiddleware) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := m.tokens.ParseToken(token)
	if err != nil {
		return nil, apperrors.NewUnauthorized("invalid token")
	}

	principal := &Principal{SubjectType: claims.Subject, SubjectID: claims.SubjectID, BusinessID: claims.BusinessID}

	switch claims.Subject {
	case domain.SubjectTypeAgent:
		agent, err := m.agents.GetByID(ctx, claims.SubjectID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apperrors.NewUnauthorized("agent not found")
			}
			return nil, apperrors.MapError(err)
		}
		if agent.BusinessID != claims.BusinessID {
			return nil, apperrors.NewUnauthorized("agent moved to another business")
		}
		principal.Agent = agent
	case domain.SubjectTypeSystem:
	default:
		return nil, apperrors.NewUnauthorized("unknown subject")
	}
	return principal, nil
}

// PrincipalFromContext retrieves the authenticated entity.
func PrincipalFromContext(c *fiber.Ctx) (*Principal, bool) {
	val := c.Locals(principalKey)
	if val == nil {
		return nil, false
	}
	principal, ok := val.(*Principal)
	return principal, ok
}
