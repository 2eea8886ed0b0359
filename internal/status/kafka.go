package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bobarin/sceneforge/internal/pkg/logger"
)

// KafkaSink writes status events keyed by job id, so one job's events stay
// ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
	log    *logger.Logger
}

func NewKafkaSink(brokers []string, topic string, log *logger.Logger) *KafkaSink {
	if log == nil {
		log = logger.Nop()
	}
	l := log.WithComponent("kafka")
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					l.Warn("[Kafka] failed to write status events", "count", len(messages), "error", err)
				}
			},
		},
		log: l,
	}
}

func (k *KafkaSink) Emit(ctx context.Context, ev Event) error {
	msg, err := eventMessage(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func eventMessage(ev Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:     []byte(ev.JobID.String()),
		Value:   data,
		Headers: []kafka.Header{{Key: "status", Value: []byte(ev.Status)}},
		Time:    ev.At,
	}, nil
}
