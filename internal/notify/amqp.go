package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the sink publishes through.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes to a topic exchange with routing key notification.<type>.
type AMQPSink struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
	closeFn  func() error
}

// DialAMQP connects, opens a channel and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	s := NewAMQPSink(ch, exchange)
	s.closeFn = func() error {
		_ = ch.Close()
		return conn.Close()
	}
	return s, nil
}

func NewAMQPSink(ch Channel, exchange string) *AMQPSink {
	return &AMQPSink{ch: ch, exchange: exchange}
}

func (a *AMQPSink) Name() string { return "rabbitmq" }

func (a *AMQPSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch.PublishWithContext(ctx, a.exchange, "notification."+n.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.At,
		Body:         body,
	})
}

func (a *AMQPSink) Close() error {
	if a.closeFn == nil {
		return nil
	}
	return a.closeFn()
}
