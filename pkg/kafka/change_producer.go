package kafka

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"tradeledger/internal/ledger"
	"tradeledger/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ChangeMessage 台账行变更通知，写回成功后发布
type ChangeMessage struct {
	CycleID     string          `json:"cycle_id"`
	Kind        string          `json:"kind"`
	PublishedAt time.Time       `json:"published_at"`
	Row         model.LedgerRow `json:"row"`
}

// ChangeProducer 台账变更生产者
type ChangeProducer struct {
	writer messageWriter
}

func NewChangeProducer(brokerURL, topic string) *ChangeProducer {
	return &ChangeProducer{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokerURL),
			Topic:    topic,
			Balancer: &kafka.Hash{}, // 同一个键进入同一分区，保证有序
		},
	}
}

func (p *ChangeProducer) Publish(ctx context.Context, cycleID string, changes []ledger.Change) error {
	if len(changes) == 0 {
		return nil
	}
	msgs, err := changeMessages(cycleID, changes, time.Now().UTC())
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func changeMessages(cycleID string, changes []ledger.Change, at time.Time) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(changes))
	var errs error
	for _, c := range changes {
		value, err := json.Marshal(ChangeMessage{CycleID: cycleID, Kind: string(c.Kind), PublishedAt: at, Row: c.Row})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(c.Row.Key().String()), Value: value})
	}
	return msgs, errs
}

func (p *ChangeProducer) Close() error {
	return p.writer.Close()
}
