package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/logging"
)

// amqpChannel is the part of *amqp.Channel the sink uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes events to a topic exchange with routing keys
// "stake.staked" and "stake.withdrawn".
type AMQPSink struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// DialAMQP connects to url and declares a durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		return nil, errors.New("amqp sink requires an exchange")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", logging.RedactString(url), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logging.Info("amqp sink ready", "exchange", exchange, logging.Component("events"))
	return &AMQPSink{conn: conn, ch: ch, exchange: exchange}, nil
}

func newAMQPSinkWithChannel(ch amqpChannel, exchange string) *AMQPSink {
	return &AMQPSink{ch: ch, exchange: exchange}
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) Publish(ctx context.Context, ev ledger.Event) error {
	msg := NewMessage(ev)
	body, err := msg.encode()
	if err != nil {
		return err
	}

	err = a.ch.PublishWithContext(ctx, a.exchange, msg.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatUint(msg.Seq, 10),
		Timestamp:    time.Unix(msg.Timestamp, 0),
		Type:         msg.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", a.exchange, err)
	}
	return nil
}

func (a *AMQPSink) Close() error {
	var errs []error
	if a.ch != nil {
		errs = append(errs, a.ch.Close())
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
	}
	return errors.Join(errs...)
}
