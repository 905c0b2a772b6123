package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"tradeledger/internal/model"
	"tradeledger/pkg/logger"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReportConsumer 从 Kafka 消费中继过来的成交回报，作为推送通道
type ReportConsumer struct {
	brokerURL string
	topic     string
	groupID   string

	newReader func() messageReader
}

func NewReportConsumer(brokerURL, topic, groupID string) *ReportConsumer {
	c := &ReportConsumer{
		brokerURL: brokerURL,
		topic:     topic,
		groupID:   groupID,
	}
	c.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  []string{c.brokerURL},
			Topic:    c.topic,
			GroupID:  c.groupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
			// 首次启动从最新位置开始，之前的缺口由拉取补齐
			StartOffset:    kafka.LastOffset,
			CommitInterval: time.Second, // 自动提交
			MaxAttempts:    3,
		})
	}
	return c
}

// Subscribe starts the consuming goroutine and returns immediately. A read failure other
// than ctx cancellation is reported through onError and ends the subscription.
func (c *ReportConsumer) Subscribe(ctx context.Context, onEvent func(model.RawEvent), onError func(error)) error {
	r := c.newReader()
	go func() {
		defer r.Close()
		for {
			m, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					onError(&model.SourceError{Op: "kafka read", Err: err})
				}
				return
			}
			fields, err := decodeReport(m.Value)
			if err != nil {
				logger.Warn("unreadable execution report",
					logger.Pair("topic", m.Topic),
					logger.Pair("offset", m.Offset),
					logger.Pair("err", err.Error()))
				continue
			}
			onEvent(model.RawEvent{Source: model.SourceKafka, Fields: fields, ReceivedAt: time.Now().UTC()})
		}
	}()
	return nil
}

// decodeReport accepts either a bare report object or the venue envelope {"orderReport": {...}}.
func decodeReport(value []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, err
	}
	if inner, ok := doc["orderReport"]; ok {
		report, ok := inner.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("orderReport is %T, want object", inner)
		}
		return report, nil
	}
	if len(doc) == 0 {
		return nil, errors.New("empty report")
	}
	return doc, nil
}
