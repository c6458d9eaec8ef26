package client

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vrtx-crm/be-automation/internal/errors"
)

// NATSClient wraps a NATS connection with JetStream enabled.
type NATSClient struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewNATSClient connects to NATS and initializes JetStream.
func NewNATSClient(url string) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to connect to NATS")
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to initialize JetStream")
	}

	return &NATSClient{conn: conn, js: js}, nil
}

// Publish publishes a message through JetStream.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := c.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to publish to "+subject)
	}
	return nil
}

// Subscribe creates a durable queue subscription on a subject.
func (c *NATSClient) Subscribe(subject, durable string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe(subject, durable, handler,
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to subscribe to "+subject)
	}
	return sub, nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
