// Package bus provides the message-bus contract used by the middleware and
// its NATS implementation.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/doorctl/fleetd/pkg/logger"
)

// Publisher publishes raw payloads to a subject. Publishing is fire and
// forget; delivery guarantees live in the broker.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subscription is a handle for an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the full bus surface the dispatcher needs.
type Conn interface {
	Publisher
	Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error)
	Close()
}

// Config holds bus connection settings.
type Config struct {
	URL      string `json:"url"`
	ClientID string `json:"client_id,omitempty"`
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}

	return nil
}

// PublishJSON marshals v and publishes it on subject. Errors are logged,
// not returned; response publishing never fails a workflow.
func PublishJSON(p Publisher, log logger.Logger, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal bus payload")

		return
	}

	if err := p.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish bus payload")
	}
}

type natsConn struct {
	nc  *nats.Conn
	log logger.Logger
}

// Connect establishes a NATS connection with logging handlers wired in.
func Connect(cfg *Config, log logger.Logger, extraOpts ...nats.Option) (Conn, error) {
	opts := []nats.Option{
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("Bus error")
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to bus")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
		}),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if cfg.ClientID != "" {
		opts = append(opts, nats.Name(cfg.ClientID))
	}

	opts = append(opts, extraOpts...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", cfg.URL, err)
	}

	return &natsConn{nc: nc, log: log}, nil
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler func(subject string, data []byte)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return sub, nil
}

func (c *natsConn) Close() {
	if err := c.nc.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("Bus drain failed, closing hard")
		c.nc.Close()
	}
}
