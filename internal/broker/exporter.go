package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/spec-kit/livechat-engine/internal/events"
)

// Exporter forwards every dispatched event to the broker. Export is best-effort:
// an open breaker drops events instead of slowing the engine down.
type Exporter struct {
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewExporter creates an exporter around publisher.
func NewExporter(publisher Publisher, logger *zap.Logger) *Exporter {
	return &Exporter{
		publisher: publisher,
		logger:    logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "amqp-export",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// Register subscribes the exporter to every engine event.
func (e *Exporter) Register(dispatcher events.Dispatcher) {
	events.SubscribeAll(dispatcher, e.Handle)
}

// Handle publishes one event.
func (e *Exporter) Handle(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := RoutingKey(event)
	_, err = e.breaker.Execute(func() (interface{}, error) {
		return nil, e.publisher.Publish(ctx, key, event.ID, body)
	})
	if err != nil {
		e.logger.Debug("event export failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// RoutingKey is "<event_type>.<business_id>" so consumers can bind per type or per tenant.
func RoutingKey(event events.Event) string {
	business := event.BusinessID
	if business == "" {
		business = "none"
	}
	return string(event.Type) + "." + business
}
