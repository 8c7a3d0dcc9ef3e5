package broker

import (
	"context"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher sends an encoded message under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key, messageID string, body []byte) error
	Close() error
}

type amqpPublisher struct {
	conn     *amqp091.Connection
	exchange string
}

// NewPublisher declares the topic exchange on conn and returns a publisher for it.
func NewPublisher(conn *amqp091.Connection, exchange string) (Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &amqpPublisher{conn: conn, exchange: exchange}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, key, messageID string, body []byte) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *amqpPublisher) Close() error {
	return p.conn.Close()
}
