// Package vault implements the collateral risk engine: position lifecycle,
// LTV enforcement, per-issuer concentration caps and liquidation.
package vault

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PositionEvent is published after every mutation so external risk
// dashboards can react without polling.
type PositionEvent struct {
	Type       string    `json:"type"` // opened, collateral_added, debt_repaid, closed, liquidated
	PositionID uuid.UUID `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	AssetID    string    `json:"asset_id"`
	LTVBps     int64     `json:"ltv_bps"`
	Trigger    string    `json:"trigger,omitempty"` // ratio or stale, for liquidations
	At         time.Time `json:"at"`
}

// Publisher delivers position events to external consumers.
type Publisher interface {
	Publish(ctx context.Context, ev PositionEvent) error
	Close() error
}

// NopPublisher drops events; used when kafka is not configured and in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, PositionEvent) error { return nil }
func (NopPublisher) Close() error                                 { return nil }

// KafkaPublisher writes position events to a kafka topic keyed by position id.
type KafkaPublisher struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewKafkaPublisher creates the kafka-backed publisher.
func NewKafkaPublisher(logger *zap.Logger, brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev PositionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.PositionID.String()),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
