// Package events publishes balance snapshots and import summaries to an AMQP
// topic exchange for downstream observers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/tinoosan/tally/internal/service/balance"
	"github.com/tinoosan/tally/internal/service/importer"
)

// channel is the slice of *amqp091.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends JSON messages to one exchange.
type Publisher struct {
	conn     *amqp091.Connection
	ch       channel
	exchange string
	log      *slog.Logger
	now      func() time.Time
}

var _ importer.StatsSink = (*Publisher)(nil)

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange string, log *slog.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p := newPublisher(ch, exchange, log)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{ch: ch, exchange: exchange, log: log.With("component", "events"), now: time.Now}
}

func (p *Publisher) publish(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.ch.PublishWithContext(
		ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    p.now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.log.DebugContext(ctx, "published", "exchange", p.exchange, "key", key, "bytes", len(body))
	return nil
}

// PublishSnapshot sends snap on KeyBalances.
func (p *Publisher) PublishSnapshot(ctx context.Context, snap balance.Snapshot) error {
	body, err := NewBalancesMessage(snap, p.now()).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return p.publish(ctx, KeyBalances, body)
}

// Record sends an import summary on KeyImport.
func (p *Publisher) Record(ctx context.Context, s importer.Stats) error {
	body, err := (&ImportMessage{Stats: s, Timestamp: p.now().UTC()}).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal import stats: %w", err)
	}
	return p.publish(ctx, KeyImport, body)
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
