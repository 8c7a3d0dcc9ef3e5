package domain

import (
	"fmt"
	"time"
)

// SessionState enumerates lifecycle states of a queue entry.
type SessionState string

const (
	SessionStateWaiting     SessionState = "waiting"
	SessionStateAssigned    SessionState = "assigned"
	SessionStateComplete    SessionState = "complete"
	SessionStateBlacklisted SessionState = "blacklisted"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionStateComplete || s == SessionStateBlacklisted
}

// Active reports whether the state counts as a live (non-terminal) session.
func (s SessionState) Active() bool {
	return s == SessionStateWaiting || s == SessionStateAssigned
}

var sessionTransitions = map[SessionState]map[SessionState]bool{
	SessionStateWaiting: {
		SessionStateAssigned:    true,
		SessionStateComplete:    true,
		SessionStateBlacklisted: true,
	},
	SessionStateAssigned: {
		SessionStateAssigned:    true, // reassignment to another agent
		SessionStateWaiting:     true,
		SessionStateComplete:    true,
		SessionStateBlacklisted: true,
	},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to SessionState) bool {
	return sessionTransitions[from][to]
}

// ErrInvalidTransition is returned for an illegal state change.
type ErrInvalidTransition struct {
	From SessionState
	To   SessionState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// Priority ranks waiting visitors.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityVIP    Priority = 1
	PriorityUrgent Priority = 2
)

// Valid reports whether the priority is a known value.
func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityVIP:
		return "vip"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ETAUnknown is reported when no agent is online to serve the queue.
const ETAUnknown = -1

// Session is the ledger row binding a visitor to an agent.
// AgentID nil while assigned means the automated fallback owns the conversation.
type Session struct {
	ID               string
	VisitorID        string
	BusinessID       string
	AgentID          *string
	Exclusive        bool
	ExclusiveAgentID *string
	Priority         Priority
	State            SessionState
	QueuePosition    *int
	EstimatedWait    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastActivityAt   time.Time
	ClosedAt         *time.Time
}

// Transition moves the session to the given state, validating the edge.
func (s *Session) Transition(to SessionState, at time.Time) error {
	if !CanTransition(s.State, to) {
		return &ErrInvalidTransition{From: s.State, To: to}
	}
	s.State = to
	s.UpdatedAt = at
	if to != SessionStateWaiting {
		s.QueuePosition = nil
	}
	if to.Terminal() {
		s.ClosedAt = &at
	}
	return nil
}

// AssignedTo reports whether the session is currently held by the given agent.
func (s *Session) AssignedTo(agentID string) bool {
	return s.AgentID != nil && *s.AgentID == agentID
}

// HasHuman reports whether a human agent is bound to the session.
func (s *Session) HasHuman() bool {
	return s.AgentID != nil && *s.AgentID != ""
}

// HandleTime returns how long the session was open, if it is closed.
func (s *Session) HandleTime() (time.Duration, bool) {
	if s.ClosedAt == nil {
		return 0, false
	}
	return s.ClosedAt.Sub(s.CreatedAt), true
}

// Ahead reports whether s sorts before other in the canonical queue order:
// higher priority first, then earlier creation.
func (s *Session) Ahead(other *Session) bool {
	if s.Priority != other.Priority {
		return s.Priority > other.Priority
	}
	if !s.CreatedAt.Equal(other.CreatedAt) {
		return s.CreatedAt.Before(other.CreatedAt)
	}
	return s.ID < other.ID
}
