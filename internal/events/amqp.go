package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// maxDialDelay caps the backoff between broker dial attempts.
const maxDialDelay = 60 * time.Second

type DialOptions struct {
	URL      string
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger
}

// DialWithRetry dials the broker with exponential backoff until it succeeds,
// the attempts run out or ctx is cancelled.
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp.Connection, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	var lastErr error
	for i := 1; i <= opts.Attempts; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("broker connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.Attempts {
			break
		}

		sleep := opts.Delay << (i - 1)
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("broker dial failed", "attempt", i, "sleep", sleep, "err", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connect to broker after %d attempts: %w", opts.Attempts, lastErr)
}

// AMQPBroker publishes to a durable topic exchange.
type AMQPBroker struct {
	conn     *amqp.Connection
	exchange string
}

// NewAMQPBroker connects and declares the exchange.
func NewAMQPBroker(ctx context.Context, url, exchange string, logger *slog.Logger) (*AMQPBroker, error) {
	conn, err := DialWithRetry(ctx, DialOptions{URL: url, Logger: logger})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPBroker{conn: conn, exchange: exchange}, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, key, id string, body []byte) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.PublishWithContext(ctx, b.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}
