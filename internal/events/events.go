// Package events publishes settled fills to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/virtuex/internal/models"
)

// FillEvent is the wire form of one settled fill
type FillEvent struct {
	FulfilledOrderID uuid.UUID          `json:"fulfilled_order_id"`
	Market           string             `json:"market"`
	BuyOrderID       uuid.UUID          `json:"buy_order_id"`
	SellOrderID      uuid.UUID          `json:"sell_order_id"`
	Amount           int64              `json:"amount"`
	QuoteAmount      int64              `json:"quote_amount"`
	Price            decimal.Decimal    `json:"price"`
	BuyStatus        models.OrderStatus `json:"buy_status"`
	SellStatus       models.OrderStatus `json:"sell_status"`
	Timestamp        time.Time          `json:"timestamp"`
}

// NewFillEvent builds the event of a committed settlement
func NewFillEvent(market models.Market, s *models.Settlement) FillEvent {
	return FillEvent{
		FulfilledOrderID: s.Record.ID,
		Market:           market.Name(),
		BuyOrderID:       s.Record.BuyOrderID,
		SellOrderID:      s.Record.SellOrderID,
		Amount:           s.Record.Amount,
		QuoteAmount:      s.Record.QuoteAmount,
		Price:            s.Record.Price,
		BuyStatus:        s.Buy.Status,
		SellStatus:       s.Sell.Status,
		Timestamp:        s.Record.CreatedAt,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes fill events to a Kafka topic, keyed by market so
// events of one market stay ordered within a partition
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates an asynchronous publisher. Delivery failures are
// logged; they never affect a settlement that already committed.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Warn("failed to deliver fill events",
						zap.String("topic", topic),
						zap.Int("messages", len(messages)),
						zap.Error(err))
				}
			},
		},
	}
}

// PublishFill enqueues the event of a settled fill
func (p *KafkaPublisher) PublishFill(ctx context.Context, market models.Market, s *models.Settlement) error {
	value, err := json.Marshal(NewFillEvent(market, s))
	if err != nil {
		return errors.Wrap(err, "encode fill event")
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(market.Name()),
		Value: value,
		Time:  s.Record.CreatedAt,
	})
	return errors.Wrap(err, "write fill event")
}

// Close flushes pending events
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop drops every event
type Nop struct{}

// PublishFill does nothing
func (Nop) PublishFill(context.Context, models.Market, *models.Settlement) error { return nil }

// Close does nothing
func (Nop) Close() error { return nil }
