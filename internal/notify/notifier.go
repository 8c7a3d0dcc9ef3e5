// Package notify delivers presence frames to identities, locally or across
// processes through Redis pub/sub.
package notify

import (
	"context"
	"sync"

	"github.com/spec-kit/livechat-engine/internal/presence"
)

// Notification addresses a frame either to one identity (ID set) or to every
// identity of Role in BusinessID.
type Notification struct {
	Role       presence.Role  `json:"role"`
	BusinessID string         `json:"business_id"`
	ID         string         `json:"id,omitempty"`
	AdminsOnly bool           `json:"admins_only,omitempty"`
	Frame      presence.Frame `json:"frame"`
}

// Broadcast reports whether the notification targets a whole role.
func (n Notification) Broadcast() bool {
	return n.ID == ""
}

// ToAgent addresses one agent.
func ToAgent(businessID, agentID, frameType string, payload any) Notification {
	return Notification{
		Role:       presence.RoleAgent,
		BusinessID: businessID,
		ID:         agentID,
		Frame:      presence.Frame{Type: frameType, Payload: payload},
	}
}

// ToVisitor addresses one visitor.
func ToVisitor(businessID, visitorID, frameType string, payload any) Notification {
	return Notification{
		Role:       presence.RoleVisitor,
		BusinessID: businessID,
		ID:         visitorID,
		Frame:      presence.Frame{Type: frameType, Payload: payload},
	}
}

// ToAgents addresses every agent of a business.
func ToAgents(businessID, frameType string, payload any) Notification {
	return Notification{
		Role:       presence.RoleAgent,
		BusinessID: businessID,
		Frame:      presence.Frame{Type: frameType, Payload: payload},
	}
}

// Notifier delivers notifications. Implementations treat delivery as best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LocalDelivery pushes to handles held by this process.
type LocalDelivery struct {
	registry *presence.Registry
}

// NewLocalDelivery creates a notifier bound to registry.
func NewLocalDelivery(registry *presence.Registry) *LocalDelivery {
	return &LocalDelivery{registry: registry}
}

// Notify delivers n and never fails; unreachable handles are skipped.
func (l *LocalDelivery) Notify(_ context.Context, n Notification) error {
	l.Deliver(n)
	return nil
}

// Deliver returns the number of handles that accepted the frame.
func (l *LocalDelivery) Deliver(n Notification) int {
	if n.Broadcast() {
		return l.registry.SendRole(n.Role, n.BusinessID, n.AdminsOnly, n.Frame)
	}
	return l.registry.Send(presence.Identity{Role: n.Role, BusinessID: n.BusinessID, ID: n.ID}, n.Frame)
}

// Recorder keeps every notification, for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns recorded notifications with the given frame type, or all when empty.
func (r *Recorder) Sent(frameType string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if frameType == "" || n.Frame.Type == frameType {
			out = append(out, n)
		}
	}
	return out
}

// For returns notifications addressed to a single identity.
func (r *Recorder) For(role presence.Role, id string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if n.Role == role && n.ID == id {
			out = append(out, n)
		}
	}
	return out
}
