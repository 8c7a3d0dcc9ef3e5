package worker

import (
	"github.com/spec-kit/livechat-engine/internal/broker"
	"github.com/spec-kit/livechat-engine/internal/events"
	"github.com/spec-kit/livechat-engine/internal/service"
)

// StartNotificationWorker registers client notification handlers and, when export
// is configured, the broker exporter on the dispatcher.
func StartNotificationWorker(dispatcher events.Dispatcher, notificationService *service.NotificationService, exporter *broker.Exporter) {
	if notificationService != nil {
		notificationService.RegisterHandlers()
	}
	if exporter != nil && dispatcher != nil {
		exporter.Register(dispatcher)
	}
}
