package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPBroker is a RabbitMQ-backed Broker using direct exchanges and
// publisher confirms.
type AMQPBroker struct {
	conn   *amqp.Connection
	logger *logrus.Logger

	mu      sync.Mutex
	channel *amqp.Channel
}

func Dial(url string, logger *logrus.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &AMQPBroker{conn: conn, channel: ch, logger: logger}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.channel.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	confirm, err := b.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", exchange, err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await publish confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker rejected message on exchange %s", exchange)
	}
	return nil
}

func (b *AMQPBroker) Consume(ctx context.Context, exchange, queue, routingKey string, handler func(body []byte) bool) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", queue, err)
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				if handler(delivery.Body) {
					if err := delivery.Ack(false); err != nil {
						b.logger.WithError(err).Warn("failed to ack delivery")
					}
				} else {
					if err := delivery.Nack(false, true); err != nil {
						b.logger.WithError(err).Warn("failed to nack delivery")
					}
				}
			}
		}
	}()
	return nil
}

func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}

var _ Broker = (*AMQPBroker)(nil)
