package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RedisFanout publishes notifications on a pub/sub channel; every process
// subscribed to it delivers to its own handles. While Redis is failing the
// breaker opens and notifications fall back to local delivery.
type RedisFanout struct {
	client  redis.UniversalClient
	channel string
	local   *LocalDelivery
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisFanout creates the fan-out notifier.
func NewRedisFanout(client redis.UniversalClient, channel string, local *LocalDelivery, logger *zap.Logger) *RedisFanout {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-fanout",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &RedisFanout{
		client:  client,
		channel: channel,
		local:   local,
		breaker: breaker,
		logger:  logger,
	}
}

// Notify publishes n. It falls back to local delivery and reports no error when
// the publish cannot be made.
func (f *RedisFanout) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = f.breaker.Execute(func() (interface{}, error) {
		return nil, f.client.Publish(ctx, f.channel, body).Err()
	})
	if err != nil {
		f.logger.Warn("fan-out publish failed; delivering locally",
			zap.String("frame", n.Frame.Type),
			zap.String("business_id", n.BusinessID),
			zap.Error(err))
		f.local.Deliver(n)
	}
	return nil
}

// Run consumes the channel and delivers locally until ctx is done.
func (f *RedisFanout) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	f.logger.Info("fan-out subscriber started", zap.String("channel", f.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.handle(msg.Payload)
		}
	}
}

func (f *RedisFanout) handle(payload string) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		f.logger.Warn("dropping malformed fan-out message", zap.Error(err))
		return
	}
	f.local.Deliver(n)
}
