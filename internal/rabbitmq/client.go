// Package rabbitmq wraps an AMQP connection used to fan audit events out to
// other services.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"ferry/internal/config"
)

const (
	heartbeat      = 30 * time.Second
	maxBackoff     = 30 * time.Second
	publishTimeout = 5 * time.Second
)

var ErrClosed = errors.New("rabbitmq client closed")

type Client interface {
	// SetupTopology declares the configured topic exchange and a durable
	// queue bound to it
	SetupTopology() error

	Publish(ctx context.Context, routingKey string, body []byte) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)

	Health() error
	Close() error
}

type client struct {
	cfg config.RabbitMQConfig

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

func NewClientFromConfig(cfg config.RabbitMQConfig) (Client, error) {
	c := &client{cfg: cfg}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// connect must be called with c.mu held
func (c *client) connect() error {
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to RabbitMQ")
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open RabbitMQ channel")
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	c.conn = conn
	c.channel = ch
	go c.watch(conn, conn.NotifyClose(make(chan *amqp.Error, 1)))

	log.Info().Str("exchange", c.cfg.Exchange).Msg("RabbitMQ connection established")
	return nil
}

// watch reconnects with capped exponential backoff when the broker drops the
// connection
func (c *client) watch(conn *amqp.Connection, notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	if !ok {
		// closed by us
		return
	}
	log.Warn().
		Str("reason", amqpErr.Reason).
		Int("code", amqpErr.Code).
		Msg("RabbitMQ connection closed, attempting to reconnect...")

	backoff := time.Second
	for {
		c.mu.Lock()
		if c.closed || (c.conn != conn && !c.conn.IsClosed()) {
			// shut down, or a publish already reconnected
			c.mu.Unlock()
			return
		}
		err := c.connect()
		c.mu.Unlock()
		if err == nil {
			log.Info().Msg("Successfully reconnected to RabbitMQ")
			return
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// ensure must be called with c.mu held
func (c *client) ensure() error {
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil || c.channel == nil || c.conn.IsClosed() || c.channel.IsClosed() {
		return c.connect()
	}
	return nil
}

func (c *client) SetupTopology() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensure(); err != nil {
		return err
	}

	if err := c.channel.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("exchange", c.cfg.Exchange).Msg("Failed to declare exchange")
		return err
	}
	if _, err := c.channel.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("queue", c.cfg.Queue).Msg("Failed to declare queue")
		return err
	}
	if err := c.channel.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		log.Error().
			Err(err).
			Str("queue", c.cfg.Queue).
			Str("exchange", c.cfg.Exchange).
			Str("routingKey", c.cfg.RoutingKey).
			Msg("Failed to bind queue")
		return err
	}

	log.Info().
		Str("queue", c.cfg.Queue).
		Str("exchange", c.cfg.Exchange).
		Str("routingKey", c.cfg.RoutingKey).
		Msg("Bound queue to exchange")
	return nil
}

// Publish sends a persistent JSON message to the configured exchange. A
// publish on a dead channel reconnects once and retries.
func (c *client) Publish(ctx context.Context, routingKey string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensure(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	err := c.channel.PublishWithContext(ctx, c.cfg.Exchange, routingKey, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		if rerr := c.connect(); rerr != nil {
			return rerr
		}
		err = c.channel.PublishWithContext(ctx, c.cfg.Exchange, routingKey, false, false, msg)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("exchange", c.cfg.Exchange).
			Str("routingKey", routingKey).
			Msg("Failed to publish message")
		return err
	}

	log.Debug().
		Str("exchange", c.cfg.Exchange).
		Str("routingKey", routingKey).
		Int("size", len(body)).
		Msg("Published message")
	return nil
}

// Consume starts a manual-ack consumer on the configured queue
func (c *client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensure(); err != nil {
		return nil, err
	}

	deliveries, err := c.channel.Consume(c.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		log.Error().
			Err(err).
			Str("queue", c.cfg.Queue).
			Str("consumerTag", consumerTag).
			Msg("Failed to start consuming")
		return nil, fmt.Errorf("consume error: %w", err)
	}

	log.Info().
		Str("queue", c.cfg.Queue).
		Str("consumerTag", consumerTag).
		Msg("Started consuming messages")
	return deliveries, nil
}

func (c *client) Health() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.channel == nil {
		return fmt.Errorf("nil connection or channel")
	}
	if c.conn.IsClosed() {
		return fmt.Errorf("connection is closed")
	}

	if err := c.channel.ExchangeDeclarePassive(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		log.Error().Err(err).Msg("RabbitMQ health check failed on passive exchange declare")
		// a failed passive declare closes the channel
		if ch, cerr := c.conn.Channel(); cerr == nil {
			c.channel = ch
		}
		return err
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel close error: %w", err))
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection close error: %w", err))
		}
	}

	log.Info().Msg("RabbitMQ connection and channel closed")
	return errors.Join(errs...)
}
