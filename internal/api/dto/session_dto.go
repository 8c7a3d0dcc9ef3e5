package dto

import (
	"time"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

// AssignRequest payload for POST /v1/assignments.
type AssignRequest struct {
	VisitorID        string          `json:"visitor_id"`
	BusinessID       string          `json:"business_id"`
	ExclusiveAgentID string          `json:"exclusive_agent_id"`
	Priority         domain.Priority `json:"priority"`
}

// VisitorRequest identifies a visitor within a business.
type VisitorRequest struct {
	VisitorID  string `json:"visitor_id"`
	BusinessID string `json:"business_id"`
}

// CloseSessionRequest payload. AgentID is filled from the caller when omitted.
type CloseSessionRequest struct {
	VisitorID  string `json:"visitor_id"`
	BusinessID string `json:"business_id"`
	AgentID    string `json:"agent_id"`
}

// TransferRequest payload.
type TransferRequest struct {
	VisitorID   string `json:"visitor_id"`
	BusinessID  string `json:"business_id"`
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
}

// ReplyPermissionRequest payload.
type ReplyPermissionRequest struct {
	AgentID    string `json:"agent_id"`
	VisitorID  string `json:"visitor_id"`
	BusinessID string `json:"business_id"`
}

// UpdatePriorityRequest payload for PUT /v1/businesses/:businessID/visitors/:visitorID/priority.
type UpdatePriorityRequest struct {
	Priority *domain.Priority `json:"priority"`
}

// BlacklistRequest payload.
type BlacklistRequest struct {
	VisitorID  string `json:"visitor_id"`
	BusinessID string `json:"business_id"`
	AgentID    string `json:"agent_id"`
}

// SessionResponse is the public view of a session.
type SessionResponse struct {
	ID               string              `json:"id"`
	VisitorID        string              `json:"visitor_id"`
	BusinessID       string              `json:"business_id"`
	AgentID          *string             `json:"agent_id"`
	Exclusive        bool                `json:"exclusive"`
	ExclusiveAgentID *string             `json:"exclusive_agent_id,omitempty"`
	Priority         domain.Priority     `json:"priority"`
	State            domain.SessionState `json:"state"`
	QueuePosition    *int                `json:"queue_position,omitempty"`
	EstimatedWait    int                 `json:"estimated_wait"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	LastActivityAt   time.Time           `json:"last_activity_at"`
	ClosedAt         *time.Time          `json:"closed_at,omitempty"`
}

// AgentResponse is the public view of an agent.
type AgentResponse struct {
	ID          string           `json:"id"`
	BusinessID  string           `json:"business_id"`
	Name        string           `json:"name"`
	Tier        domain.AgentTier `json:"tier"`
	Online      bool             `json:"online"`
	MaxCapacity int              `json:"max_capacity"`
	CurrentLoad int              `json:"current_load"`
}

// AssignmentResponse reports where a visitor was placed.
type AssignmentResponse struct {
	Action        string           `json:"action"`
	Session       *SessionResponse `json:"session,omitempty"`
	Agent         *AgentResponse   `json:"agent,omitempty"`
	Tier          string           `json:"tier,omitempty"`
	Position      int              `json:"position,omitempty"`
	EstimatedWait int              `json:"estimated_wait,omitempty"`
	Resumed       bool             `json:"resumed"`
	AgentOnline   bool             `json:"agent_online"`
}

// AgentSessionResponse is one row of an agent's visitor list.
type AgentSessionResponse struct {
	Session  SessionResponse `json:"session"`
	IsMine   bool            `json:"is_mine"`
	CanReply bool            `json:"can_reply"`
}

// WorkloadResponse reports an agent's load after a resync.
type WorkloadResponse struct {
	AgentID     string `json:"agent_id"`
	CurrentLoad int    `json:"current_load"`
	MaxCapacity int    `json:"max_capacity"`
	Admin       bool   `json:"admin"`
}

// NewSessionResponse maps a domain session.
func NewSessionResponse(s *domain.Session) *SessionResponse {
	if s == nil {
		return nil
	}
	return &SessionResponse{
		ID:               s.ID,
		VisitorID:        s.VisitorID,
		BusinessID:       s.BusinessID,
		AgentID:          s.AgentID,
		Exclusive:        s.Exclusive,
		ExclusiveAgentID: s.ExclusiveAgentID,
		Priority:         s.Priority,
		State:            s.State,
		QueuePosition:    s.QueuePosition,
		EstimatedWait:    s.EstimatedWait,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		LastActivityAt:   s.LastActivityAt,
		ClosedAt:         s.ClosedAt,
	}
}

// NewAgentResponse maps a domain agent; admin load is reported as 0.
func NewAgentResponse(a *domain.Agent) *AgentResponse {
	if a == nil {
		return nil
	}
	return &AgentResponse{
		ID:          a.ID,
		BusinessID:  a.BusinessID,
		Name:        a.Name,
		Tier:        a.Tier,
		Online:      a.Online,
		MaxCapacity: a.MaxCapacity,
		CurrentLoad: a.EffectiveLoad(),
	}
}
