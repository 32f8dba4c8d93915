package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/warp/power-ledger/billing"
	"github.com/warp/power-ledger/logging"
)

// publisher is the part of *amqp091.Channel the Publisher uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Publisher sends billing events to a topic exchange. Routing keys are
// "<prefix>.<message type>", e.g. "power.bill.submitted".
type Publisher struct {
	conn     *amqp091.Connection
	channel  publisher
	exchange string
	prefix   string
	timeout  time.Duration
	log      *logging.Logger

	// amqp091 channels are not safe for concurrent publishing.
	mu sync.Mutex
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange, routingPrefix string, log *logging.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := newPublisher(channel, exchange, routingPrefix, log)
	p.conn = conn
	return p, nil
}

func newPublisher(ch publisher, exchange, routingPrefix string, log *logging.Logger) *Publisher {
	if log == nil {
		log = logging.Discard()
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		prefix:   routingPrefix,
		timeout:  5 * time.Second,
		log:      log.WithComponent("amqp"),
	}
}

// Close closes the connection, which also closes the channel.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func (p *Publisher) PeriodComplete(ctx context.Context, e billing.PeriodCompleteEvent) error {
	return p.publish(ctx, TypePeriodComplete, NewPeriodCompleteMessage(e))
}

func (p *Publisher) BillSubmitted(ctx context.Context, e billing.BillSubmittedEvent) error {
	return p.publish(ctx, TypeBillSubmitted, NewBillSubmittedMessage(e))
}

// Remind publishes a bill-entry reminder for a complete but unbilled period.
func (p *Publisher) Remind(ctx context.Context, e billing.PeriodCompleteEvent) error {
	msg := NewPeriodCompleteMessage(e)
	msg.Type = TypeBillReminder
	return p.publish(ctx, TypeBillReminder, msg)
}

func (p *Publisher) routingKey(msgType string) string {
	if p.prefix == "" {
		return msgType
	}
	return p.prefix + "." + msgType
}

func (p *Publisher) publish(ctx context.Context, msgType string, msg any) error {
	body, err := toJSON(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := p.routingKey(msgType)
	p.mu.Lock()
	err = p.channel.PublishWithContext(
		ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Type:         msgType,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", msgType, err)
	}

	p.log.WithFields(logging.Fields{
		"exchange":    p.exchange,
		"routing_key": key,
	}).Debug("published message")
	return nil
}
