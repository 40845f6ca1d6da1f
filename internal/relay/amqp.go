package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPConfig names the queues used by AMQPBroker.
type AMQPConfig struct {
	URL         string
	Queue       string
	RetryQueue  string
	DeadQueue   string
	Prefetch    int
	ConsumerTag string

	// DialAttempts and DialInterval control the initial connection retry.
	DialAttempts int
	DialInterval time.Duration
}

// DefaultAMQPConfig returns the queue layout used by gengate.
func DefaultAMQPConfig(url string) AMQPConfig {
	return AMQPConfig{
		URL:          url,
		Queue:        "gengate.webhooks",
		RetryQueue:   "gengate.webhooks.retry",
		DeadQueue:    "gengate.webhooks.dead",
		Prefetch:     10,
		ConsumerTag:  "gengate-relay",
		DialAttempts: 5,
		DialInterval: 2 * time.Second,
	}
}

// AMQPBroker implements Broker on RabbitMQ. Retries are published to a
// queue without consumers whose messages expire after their delay and are
// dead-lettered back onto the work queue.
type AMQPBroker struct {
	config  AMQPConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  zerolog.Logger
}

// DialAMQP connects and declares the queues.
func DialAMQP(config AMQPConfig, logger zerolog.Logger) (*AMQPBroker, error) {
	if config.DialAttempts < 1 {
		config.DialAttempts = 1
	}
	b := &AMQPBroker{config: config, logger: logger}

	var err error
	for attempt := 1; attempt <= config.DialAttempts; attempt++ {
		b.conn, err = amqp.Dial(config.URL)
		if err == nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("relay: amqp dial failed")
		if attempt < config.DialAttempts {
			time.Sleep(config.DialInterval)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial amqp after %d attempts: %w", config.DialAttempts, err)
	}

	b.channel, err = b.conn.Channel()
	if err != nil {
		b.conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := b.setup(); err != nil {
		b.Close()
		return nil, err
	}

	logger.Info().
		Str("queue", config.Queue).
		Str("retry_queue", config.RetryQueue).
		Str("dead_queue", config.DeadQueue).
		Msg("relay: amqp broker ready")
	return b, nil
}

func (b *AMQPBroker) setup() error {
	if _, err := b.channel.QueueDeclare(b.config.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", b.config.Queue, err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.config.Queue,
	}
	if _, err := b.channel.QueueDeclare(b.config.RetryQueue, true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare %s: %w", b.config.RetryQueue, err)
	}
	if _, err := b.channel.QueueDeclare(b.config.DeadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", b.config.DeadQueue, err)
	}
	return nil
}

func (b *AMQPBroker) publish(ctx context.Context, queue string, msg Message, pub amqp.Publishing) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pub.ContentType = "application/json"
	pub.DeliveryMode = amqp.Persistent
	pub.MessageId = msg.DeliveryID.String()
	pub.Timestamp = time.Now()
	pub.Body = body

	if err := b.channel.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, msg Message) error {
	return b.publish(ctx, b.config.Queue, msg, amqp.Publishing{})
}

// PublishRetry parks msg on the retry queue for delay.
func (b *AMQPBroker) PublishRetry(ctx context.Context, msg Message, delay time.Duration) error {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return b.publish(ctx, b.config.RetryQueue, msg, amqp.Publishing{Expiration: strconv.FormatInt(ms, 10)})
}

func (b *AMQPBroker) PublishDead(ctx context.Context, msg Message, reason string) error {
	return b.publish(ctx, b.config.DeadQueue, msg, amqp.Publishing{
		Headers: amqp.Table{"x-gengate-reason": reason},
	})
}

// Consume starts a manual-ack consumer. Malformed bodies are rejected
// without requeue.
func (b *AMQPBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := b.channel.Qos(b.config.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	raw, err := b.channel.ConsumeWithContext(ctx, b.config.Queue, b.config.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", b.config.Queue, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range raw {
			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				b.logger.Error().Err(err).Str("message_id", d.MessageId).Msg("relay: malformed message")
				if nackErr := d.Nack(false, false); nackErr != nil {
					b.logger.Error().Err(nackErr).Msg("relay: nack malformed message failed")
				}
				continue
			}
			delivery := d
			select {
			case out <- Delivery{
				Message: msg,
				Ack:     func() error { return delivery.Ack(false) },
				Nack:    func(requeue bool) error { return delivery.Nack(false, requeue) },
			}:
			case <-ctx.Done():
				_ = delivery.Nack(false, true)
				return
			}
		}
	}()
	return out, nil
}

func (b *AMQPBroker) Close() error {
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("relay: close channel")
		}
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

var _ Broker = (*AMQPBroker)(nil)
