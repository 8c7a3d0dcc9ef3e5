package domain

import "time"

// Visitor is an end user chatting with a business.
type Visitor struct {
	ID         string
	BusinessID string
	Name       string
	IP         string
	UserAgent  string
	VisitCount int
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
