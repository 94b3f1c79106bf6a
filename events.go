// FILE: events.go
// Package main – Trading events and their fan-out to presentation consumers.
//
// The per-symbol loop never blocks on presentation: it calls Emit, which is a
// non-blocking send into a buffered channel. EventBus.Run drains the channel and
// hands each event to every sink in order:
//   • logSink     – structured logrus line per event
//   • amqpSink    – JSON publish to a RabbitMQ fanout exchange (optional)
//   • EventRecorder – in-memory copy (backtest report, tests)
// A full buffer drops the event and bumps bot_events_dropped_total.
//
// Backtests use directEmitter instead so the event stream is deterministic.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EventKind names what happened in a cycle.
type EventKind string

const (
	EventSignal     EventKind = "signal"
	EventSuppressed EventKind = "suppressed"
	EventOrder      EventKind = "order_filled"
	EventRejected   EventKind = "order_rejected"
	EventUnknown    EventKind = "order_unknown"
	EventReconciled EventKind = "reconciled"
	EventSweep      EventKind = "sweep"
	EventError      EventKind = "error"
)

// Event is a timestamped record of one decision or outcome.
type Event struct {
	Time     time.Time       `json:"time"`
	Symbol   string          `json:"symbol"`
	Kind     EventKind       `json:"kind"`
	Message  string          `json:"message"`
	Side     OrderSide       `json:"side,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	OrderID  string          `json:"order_id,omitempty"`
	Error    string          `json:"error,omitempty"`
	ErrKind  string          `json:"error_kind,omitempty"`
}

func errorEvent(symbol string, at time.Time, err error) Event {
	return Event{
		Time:    at,
		Symbol:  symbol,
		Kind:    EventError,
		Message: "cycle failed",
		Error:   err.Error(),
		ErrKind: errorKind(err),
	}
}

// Emitter accepts events from a trading loop.
type Emitter interface {
	Emit(ev Event)
}

// EventSink consumes events off the loop goroutine.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// ---------- bus ----------

// EventBus buffers events between the trading loops and the sinks.
type EventBus struct {
	ch    chan Event
	sinks []EventSink
	log   *logrus.Logger
}

func NewEventBus(buffer int, log *logrus.Logger, sinks ...EventSink) *EventBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventBus{ch: make(chan Event, buffer), sinks: sinks, log: log}
}

// Emit never blocks.
func (b *EventBus) Emit(ev Event) {
	select {
	case b.ch <- ev:
	default:
		mtxEventsDropped.Inc()
	}
}

// Run delivers events until ctx is done, then flushes what is already buffered.
func (b *EventBus) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-b.ch:
			b.deliver(ctx, ev)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-b.ch:
					b.deliver(flushCtx, ev)
				default:
					return nil
				}
			}
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, ev Event) {
	for _, s := range b.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			b.log.WithError(err).Warn("[EVENT] sink publish failed")
		}
	}
}

// directEmitter publishes synchronously; used by backtests.
type directEmitter []EventSink

func (d directEmitter) Emit(ev Event) {
	for _, s := range d {
		_ = s.Publish(context.Background(), ev)
	}
}

// ---------- sinks ----------

type logSink struct {
	log *logrus.Logger
}

func newLogSink(log *logrus.Logger) *logSink { return &logSink{log: log} }

func (s *logSink) Publish(_ context.Context, ev Event) error {
	entry := s.log.WithFields(logrus.Fields{
		"symbol": ev.Symbol,
		"kind":   string(ev.Kind),
		"at":     ev.Time.UTC().Format(time.RFC3339),
	})
	if ev.Side != "" {
		entry = entry.WithFields(logrus.Fields{
			"side":  string(ev.Side),
			"qty":   ev.Quantity.String(),
			"price": ev.Price.String(),
		})
	}
	if ev.OrderID != "" {
		entry = entry.WithField("order_id", ev.OrderID)
	}
	switch ev.Kind {
	case EventSuppressed:
		entry.Debugf("[GATE] %s", ev.Message)
	case EventError:
		entry.WithField("error_kind", ev.ErrKind).Errorf("[EVENT] %s: %s", ev.Message, ev.Error)
	case EventRejected, EventUnknown:
		entry.Warnf("[EVENT] %s %s", ev.Message, ev.Error)
	default:
		entry.Infof("[EVENT] %s", ev.Message)
	}
	return nil
}

// EventRecorder keeps every event in memory.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *EventRecorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have kind k.
func (r *EventRecorder) Count(k EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

// amqpSink publishes events as JSON to a fanout exchange.
type amqpSink struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *logrus.Logger
	mu       sync.Mutex
}

func newAMQPSink(url, exchange string, logger *logrus.Logger) (*amqpSink, error) {
	if url == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &amqpSink{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func (s *amqpSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.channel.PublishWithContext(ctx, s.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time.UTC(),
		Type:         string(ev.Kind),
		Body:         body,
	})
}

func (s *amqpSink) Close() {
	if s == nil {
		return
	}
	if err := s.channel.Close(); err != nil {
		s.logger.Errorf("close rabbitmq channel: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Errorf("close rabbitmq connection: %v", err)
	}
}
