package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/notify"
	"github.com/spec-kit/livechat-engine/internal/presence"
)

// Frame types pushed to connected clients.
const (
	FrameAgentAssigned     = "agent_assigned"
	FrameVisitorAssigned   = "visitor_assigned"
	FrameNewVisitor        = "new_visitor"
	FrameQueued            = "queued"
	FrameQueueUpdated      = "queue_updated"
	FrameAgentOffline      = "agent_offline"
	FrameAgentChanged      = "agent_changed"
	FrameSessionReassigned = "session_reassigned"
	FrameSessionClosed     = "session_closed"
	FrameBlacklisted       = "blacklisted"
	FrameWorkloadUpdated   = "workload_updated"
	FrameAgentPresence     = "agent_presence"
)

// NotificationService turns domain events into frames for connected agents and visitors.
type NotificationService struct {
	dispatcher events.Dispatcher
	notifier   notify.Notifier
	logger     *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, notifier notify.Notifier, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     loggerOrNop(logger),
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil || n.notifier == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventVisitorAssigned, n.handleVisitorAssigned)
	n.dispatcher.Subscribe(events.EventVisitorQueued, n.handleVisitorQueued)
	n.dispatcher.Subscribe(events.EventExclusiveAgentAbsent, n.handleExclusiveAgentAbsent)
	n.dispatcher.Subscribe(events.EventAgentChanged, n.handleAgentChanged)
	n.dispatcher.Subscribe(events.EventSessionClosed, n.handleSessionClosed)
	n.dispatcher.Subscribe(events.EventVisitorBlacklisted, n.handleVisitorBlacklisted)
	n.dispatcher.Subscribe(events.EventWorkloadUpdated, n.handleWorkloadUpdated)
	n.dispatcher.Subscribe(events.EventQueueUpdated, n.handleQueueUpdated)
	n.dispatcher.Subscribe(events.EventAgentOnline, n.handleAgentPresence)
	n.dispatcher.Subscribe(events.EventAgentOffline, n.handleAgentPresence)
}

func (n *NotificationService) handleVisitorAssigned(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.VisitorAssignedPayload)
	body := map[string]any{
		"session_id": event.SessionID,
		"visitor_id": event.VisitorID,
		"agent_id":   payload.AgentID,
		"exclusive":  payload.Exclusive,
		"priority":   payload.Priority,
	}
	n.send(ctx, event, notify.ToVisitor(event.BusinessID, event.VisitorID, FrameAgentAssigned, body))
	if payload.AgentID != "" {
		n.send(ctx, event, notify.ToAgent(event.BusinessID, payload.AgentID, FrameVisitorAssigned, body))
	}
	n.send(ctx, event, notify.ToAgents(event.BusinessID, FrameNewVisitor, body))
	return nil
}

func (n *NotificationService) handleVisitorQueued(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.VisitorQueuedPayload)
	n.send(ctx, event, notify.ToVisitor(event.BusinessID, event.VisitorID, FrameQueued, map[string]any{
		"session_id":     event.SessionID,
		"position":       payload.Position,
		"estimated_wait": payload.EstimatedWait,
	}))
	n.send(ctx, event, notify.ToAgents(event.BusinessID, FrameNewVisitor, map[string]any{
		"session_id": event.SessionID,
		"visitor_id": event.VisitorID,
		"queued":     true,
		"priority":   payload.Priority,
	}))
	return nil
}

func (n *NotificationService) handleExclusiveAgentAbsent(ctx context.Context, event events.Event) error {
	n.send(ctx, event, notify.ToVisitor(event.BusinessID, event.VisitorID, FrameAgentOffline, map[string]any{
		"session_id": event.SessionID,
		"agent_id":   derefString(event.AgentID),
	}))
	return nil
}

func (n *NotificationService) handleAgentChanged(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.AgentChangedPayload)
	body := map[string]any{
		"session_id":   event.SessionID,
		"visitor_id":   event.VisitorID,
		"old_agent_id": payload.OldAgentID,
		"new_agent_id": payload.NewAgentID,
		"reason":       payload.Reason,
	}
	n.send(ctx, event, notify.ToVisitor(event.BusinessID, event.VisitorID, FrameAgentChanged, body))
	n.send(ctx, event, notify.ToAgents(event.BusinessID, FrameSessionReassigned, body))
	return nil
}

func (n *NotificationService) handleSessionClosed(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.SessionClosedPayload)
	body := map[string]any{
		"session_id": event.SessionID,
		"visitor_id": event.VisitorID,
		"reason":     payload.Reason,
	}
	n.send(ctx, event, notify.ToVisitor(event.BusinessID, event.VisitorID, FrameSessionClosed, body))
	if event.AgentID != nil {
		n.send(ctx, event, notify.ToAgent(event.BusinessID, *event.AgentID, FrameSessionClosed, body))
	}
	return nil
}

func (n *NotificationService) handleVisitorBlacklisted(ctx context.Context, event events.Event) error {
	body := map[string]any{
		"session_id": event.SessionID,
		"visitor_id": event.VisitorID,
	}
	n.send(ctx, event, notify.ToVisitor(event.BusinessID, event.VisitorID, FrameBlacklisted, body))
	n.send(ctx, event, notify.ToAgents(event.BusinessID, FrameBlacklisted, body))
	return nil
}

func (n *NotificationService) handleWorkloadUpdated(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.WorkloadUpdatedPayload)
	if !ok {
		return nil
	}
	n.send(ctx, event, notify.ToAgent(event.BusinessID, payload.AgentID, FrameWorkloadUpdated, payload))
	return nil
}

func (n *NotificationService) handleQueueUpdated(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.QueueUpdatedPayload)
	n.send(ctx, event, notify.ToVisitor(event.BusinessID, event.VisitorID, FrameQueueUpdated, map[string]any{
		"session_id":     event.SessionID,
		"position":       payload.Position,
		"estimated_wait": payload.EstimatedWait,
	}))
	return nil
}

func (n *NotificationService) handleAgentPresence(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.AgentPresencePayload)
	n.send(ctx, event, notify.ToAgents(event.BusinessID, FrameAgentPresence, map[string]any{
		"agent_id": payload.AgentID,
		"name":     payload.Name,
		"tier":     payload.Tier,
		"online":   event.Type == events.EventAgentOnline,
	}))
	return nil
}

// send is best-effort: a failed delivery never fails the state change behind it.
func (n *NotificationService) send(ctx context.Context, event events.Event, notification notify.Notification) {
	if notification.ID == "" && notification.Role == presence.RoleVisitor {
		return
	}
	if err := n.notifier.Notify(ctx, notification); err != nil {
		n.logger.Warn("notification delivery failed",
			zap.String("event_type", string(event.Type)),
			zap.String("business_id", event.BusinessID),
			zap.String("frame", notification.Frame.Type),
			zap.Error(err))
	}
}
