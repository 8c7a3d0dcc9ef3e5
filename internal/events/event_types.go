package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/livechat-engine/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventVisitorConnected     EventType = "visitor_connected"
	EventVisitorAssigned      EventType = "visitor_assigned"
	EventVisitorQueued        EventType = "visitor_queued"
	EventExclusiveAgentAbsent EventType = "exclusive_agent_offline"
	EventAgentChanged         EventType = "agent_changed"
	EventSessionClosed        EventType = "session_closed"
	EventVisitorBlacklisted   EventType = "visitor_blacklisted"
	EventWorkloadUpdated      EventType = "workload_updated"
	EventQueueUpdated         EventType = "queue_updated"
	EventAgentOnline          EventType = "agent_online"
	EventAgentOffline         EventType = "agent_offline"
)

// AllEventTypes lists every event the engine emits.
var AllEventTypes = []EventType{
	EventVisitorConnected,
	EventVisitorAssigned,
	EventVisitorQueued,
	EventExclusiveAgentAbsent,
	EventAgentChanged,
	EventSessionClosed,
	EventVisitorBlacklisted,
	EventWorkloadUpdated,
	EventQueueUpdated,
	EventAgentOnline,
	EventAgentOffline,
}

// CloseReason explains why a session reached a terminal state.
type CloseReason string

const (
	CloseReasonClosed      CloseReason = "closed"
	CloseReasonTimeout     CloseReason = "timeout"
	CloseReasonDisconnect  CloseReason = "visitor_disconnected"
	CloseReasonBlacklisted CloseReason = "blacklisted"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type domain.SubjectType `json:"type"`
	ID   *string            `json:"id,omitempty"`
}

// SystemActor is used for engine-initiated transitions.
var SystemActor = Actor{Type: domain.SubjectTypeSystem}

// AgentActor returns an actor for the given agent.
func AgentActor(agentID string) Actor {
	return Actor{Type: domain.SubjectTypeAgent, ID: &agentID}
}

// VisitorActor returns an actor for the given visitor.
func VisitorActor(visitorID string) Actor {
	return Actor{Type: domain.SubjectTypeVisitor, ID: &visitorID}
}

// Event represents a domain event emitted by services.
type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	BusinessID string      `json:"business_id"`
	SessionID  string      `json:"session_id,omitempty"`
	VisitorID  string      `json:"visitor_id,omitempty"`
	AgentID    *string     `json:"agent_id,omitempty"`
	Actor      Actor       `json:"actor"`
	Timestamp  time.Time   `json:"timestamp"`
	Payload    interface{} `json:"payload,omitempty"`
}

// New stamps an event with an id and timestamp.
func New(eventType EventType, businessID string, actor Actor, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		BusinessID: businessID,
		Actor:      actor,
		Timestamp:  at,
	}
}

// ForSession fills the session fields from s.
func (e Event) ForSession(s *domain.Session) Event {
	e.SessionID = s.ID
	e.VisitorID = s.VisitorID
	e.AgentID = s.AgentID
	return e
}

// WithPayload attaches a payload.
func (e Event) WithPayload(payload interface{}) Event {
	e.Payload = payload
	return e
}

// VisitorAssignedPayload payload.
type VisitorAssignedPayload struct {
	AgentID   string          `json:"agent_id"`
	Exclusive bool            `json:"exclusive"`
	Priority  domain.Priority `json:"priority"`
	Resumed   bool            `json:"resumed"`
}

// VisitorQueuedPayload payload. EstimatedWait is -1 when no agent is online.
type VisitorQueuedPayload struct {
	Position      int             `json:"position"`
	EstimatedWait int             `json:"estimated_wait"`
	Priority      domain.Priority `json:"priority"`
}

// AgentChangedPayload payload. A nil NewAgentID means the automated fallback took over.
type AgentChangedPayload struct {
	OldAgentID *string `json:"old_agent_id,omitempty"`
	NewAgentID *string `json:"new_agent_id,omitempty"`
	Reason     string  `json:"reason"`
}

// SessionClosedPayload payload.
type SessionClosedPayload struct {
	Reason CloseReason `json:"reason"`
}

// WorkloadUpdatedPayload payload.
type WorkloadUpdatedPayload struct {
	AgentID     string `json:"agent_id"`
	Current     int    `json:"current"`
	Max         int    `json:"max"`
	Utilization int    `json:"utilization"`
	Reason      string `json:"reason"`
}

// QueueUpdatedPayload payload.
type QueueUpdatedPayload struct {
	Position      int `json:"position"`
	EstimatedWait int `json:"estimated_wait"`
}

// AgentPresencePayload payload.
type AgentPresencePayload struct {
	AgentID string           `json:"agent_id"`
	Name    string           `json:"name"`
	Tier    domain.AgentTier `json:"tier"`
}
