package domain

import "time"

// AgentTier enumerates agent capability classes.
type AgentTier string

const (
	AgentTierRegular AgentTier = "regular"
	AgentTierManager AgentTier = "manager"
	AgentTierAdmin   AgentTier = "admin"
)

// Valid reports whether the tier is a known value.
func (t AgentTier) Valid() bool {
	switch t {
	case AgentTierRegular, AgentTierManager, AgentTierAdmin:
		return true
	}
	return false
}

// Agent models a support representative serving visitors of one business.
type Agent struct {
	ID             string
	BusinessID     string
	Name           string
	Tier           AgentTier
	Bot            bool
	Online         bool
	PresenceEpoch  int64
	MaxCapacity    int
	CurrentLoad    int
	LastAssignedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsAdmin reports whether the agent is exempt from capacity accounting.
func (a *Agent) IsAdmin() bool {
	return a != nil && (a.Tier == AgentTierAdmin || a.Tier == AgentTierManager)
}

// EffectiveLoad is the load used for selection and broadcasts. Admin load is pinned at 0.
func (a *Agent) EffectiveLoad() int {
	if a.IsAdmin() {
		return 0
	}
	return a.CurrentLoad
}

// HasCapacity reports whether a regular agent can take another session.
// Admins always have capacity.
func (a *Agent) HasCapacity() bool {
	if a.IsAdmin() {
		return true
	}
	return a.CurrentLoad < a.MaxCapacity
}

// Utilization returns load as a rounded percentage of capacity.
func (a *Agent) Utilization() int {
	if a.IsAdmin() || a.MaxCapacity <= 0 {
		return 0
	}
	return int(float64(a.CurrentLoad)/float64(a.MaxCapacity)*100 + 0.5)
}
