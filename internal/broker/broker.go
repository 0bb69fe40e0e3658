package broker

import "context"

// Broker publishes and consumes JSON messages over a message queue. Publish
// must surface transport failures synchronously so callers can fail closed.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, message any) error

	// Consume delivers queue messages to handler until ctx is canceled. A
	// handler returning false leaves the message unacknowledged for redelivery.
	Consume(ctx context.Context, exchange, queue, routingKey string, handler func(body []byte) bool) error

	Close() error
}
