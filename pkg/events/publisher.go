// Package events publishes confirmed trades to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/estatex/pkg/app/core"
)

type Publisher interface {
	PublishTrade(ctx context.Context, t *core.Trade) error
	Close() error
}

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) PublishTrade(context.Context, *core.Trade) error {
	return nil
}

func (Nop) Close() error {
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each trade as JSON keyed by instrument, so one
// instrument's trades stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) PublishTrade(ctx context.Context, t *core.Trade) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Instrument),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("trade.confirmed")},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Stream decouples publishing from the settlement path. Enqueue never blocks;
// when the buffer is full the event is dropped and logged.
type Stream struct {
	pub     Publisher
	queue   chan *core.Trade
	timeout time.Duration
	log     *zap.SugaredLogger
}

func NewStream(pub Publisher, buffer int, log *zap.SugaredLogger) *Stream {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Stream{pub: pub, queue: make(chan *core.Trade, buffer), timeout: 10 * time.Second, log: log}
}

func (s *Stream) Enqueue(t *core.Trade) {
	select {
	case s.queue <- t:
	default:
		s.log.Warnw("trade_event_dropped", "trade_id", t.ID, "instrument", t.Instrument)
	}
}

// Run publishes queued trades until ctx is done, then drains what is left.
// Each publish is bounded by the stream timeout rather than by ctx, so a
// trade dequeued during shutdown is still delivered.
func (s *Stream) Run(ctx context.Context) {
	pubCtx := context.WithoutCancel(ctx)
	for {
		select {
		case t := <-s.queue:
			s.publish(pubCtx, t)
		case <-ctx.Done():
			for {
				select {
				case t := <-s.queue:
					s.publish(pubCtx, t)
				default:
					return
				}
			}
		}
	}
}

func (s *Stream) publish(ctx context.Context, t *core.Trade) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.pub.PublishTrade(ctx, t); err != nil {
		s.log.Warnw("trade_event_publish_failed", "trade_id", t.ID, "err", err)
	}
}
