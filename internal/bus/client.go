// Package bus connects the gateway to NATS and optionally embeds a server.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-gateway/internal/resilience"
)

// Options configures a bus connection
type Options struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	Reconnect      *resilience.ReconnectConfig
}

// Client wraps a NATS connection and its JetStream context
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger
}

// Connect dials NATS, retrying the initial connection with backoff. Once
// connected, the client library reconnects on its own.
func Connect(ctx context.Context, opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("no NATS server configured")
	}
	if opts.Name == "" {
		opts.Name = "speech-gateway"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	logger = logger.With().Str("component", "bus").Logger()

	options := []nats.Option{
		nats.Name(opts.Name),
		nats.Timeout(opts.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrlRedacted()).Msg("NATS reconnected")
		}),
	}

	var conn *nats.Conn
	err := resilience.Reconnect(ctx, logger, "nats", func(context.Context) error {
		var err error
		conn, err = nats.Connect(opts.URL, options...)
		return err
	}, opts.Reconnect)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	logger.Info().Str("url", conn.ConnectedUrlRedacted()).Msg("Connected to NATS")
	return &Client{conn: conn, js: js, logger: logger}, nil
}

// Close drains and closes the connection
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.logger.Info().Msg("Closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("NATS drain failed")
	}
	c.conn.Close()
}

// Healthy is a readiness check reporting the connection status
func (c *Client) Healthy(context.Context) (bool, error) {
	if c == nil || c.conn == nil {
		return false, errors.New("not connected")
	}
	if status := c.conn.Status(); status != nats.CONNECTED {
		return false, fmt.Errorf("connection status %s", status)
	}
	return true, nil
}

// Conn returns the underlying connection
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// JetStream returns the JetStream context
func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}
