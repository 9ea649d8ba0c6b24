// Package events delivers committed ledger events to subscribers: an
// in-process feed for WebSocket clients, Kafka, RabbitMQ and a MySQL
// journal. Delivery is best effort; a failing sink never affects the
// ledger.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/moltbunker/usdstake/internal/ledger"
	"github.com/moltbunker/usdstake/internal/logging"
)

// Sink is a named, closable ledger.EventSink.
type Sink interface {
	ledger.EventSink
	Name() string
	Close() error
}

var sequence atomic.Uint64

// Message is the wire form of a ledger event. Amounts are decimal strings.
type Message struct {
	Seq               uint64 `json:"seq"`
	Type              string `json:"type"`
	Account           string `json:"account"`
	Deposit           string `json:"deposit,omitempty"`
	Minted            string `json:"minted,omitempty"`
	LockPeriodSeconds uint64 `json:"lock_period_seconds,omitempty"`
	Price             string `json:"price,omitempty"`
	PriceDecimals     uint8  `json:"price_decimals,omitempty"`
	Returned          string `json:"returned,omitempty"`
	Burned            string `json:"burned,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// NewMessage converts ev and assigns it the next process-wide sequence
// number.
func NewMessage(ev ledger.Event) Message {
	m := Message{
		Seq:       sequence.Add(1),
		Type:      ev.Type,
		Account:   ev.Account.Hex(),
		Timestamp: ev.Timestamp.Unix(),
	}
	switch ev.Type {
	case ledger.EventStaked:
		m.Deposit = ev.Deposit.Dec()
		m.Minted = ev.Minted.Dec()
		m.LockPeriodSeconds = uint64(ev.LockPeriod / time.Second)
		m.Price = ev.Price.Dec()
		m.PriceDecimals = ev.PriceDecimals
	case ledger.EventWithdrawn:
		m.Returned = ev.Returned.Dec()
		m.Burned = ev.Burned.Dec()
	}
	return m
}

// RoutingKey is the topic-style key used by brokers, e.g. "stake.staked".
func (m Message) RoutingKey() string {
	switch m.Type {
	case ledger.EventStaked:
		return "stake.staked"
	case ledger.EventWithdrawn:
		return "stake.withdrawn"
	default:
		return "stake.unknown"
	}
}

func (m Message) encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// Multi publishes each event to every sink. One sink failing does not stop
// delivery to the others; the joined error is returned.
type Multi struct {
	sinks []Sink
}

// NewMulti fans out to sinks. Nil sinks are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Name() string { return "multi" }

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Publish(ctx context.Context, ev ledger.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			logging.WarnContext(ctx, "event sink failed",
				"sink", s.Name(),
				"event", ev.Type,
				logging.Account(ev.Account.Hex()),
				logging.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and returns the joined errors.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
