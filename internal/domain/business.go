package domain

import "time"

// Business is a tenant with its own agents, visitors and timeout policy.
// Zero durations mean "use the engine default".
type Business struct {
	ID             string
	Name           string
	SessionTimeout time.Duration
	PurgeAfter     time.Duration
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
