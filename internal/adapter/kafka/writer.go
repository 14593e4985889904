package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/adalyuf/flutracker/internal/domain"
)

// Writer publishes anomaly sets to a Kafka topic.
// It implements anomaly.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the anomaly topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishAnomalies writes one message per anomaly in a single WriteMessages
// call. Messages are keyed by location so a location's history stays on one
// partition.
func (w *Writer) PublishAnomalies(ctx context.Context, set []domain.Anomaly) error {
	if len(set) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(set))
	for i := range set {
		msg, err := serializeToMessage(set[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish anomalies: %w", err)
	}
	w.logger.Debug("anomalies published", "topic", w.writer.Topic, "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// messageKey is CC or CC/Region.
func messageKey(a domain.Anomaly) string {
	if a.Region == "" {
		return a.CountryCode
	}
	return a.CountryCode + "/" + a.Region
}

// serializeToMessage marshals an Anomaly into a Kafka message.
func serializeToMessage(a domain.Anomaly) (kafkago.Message, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize anomaly: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(messageKey(a)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "severity", Value: []byte(a.Severity)},
			{Key: "detected_at", Value: []byte(a.DetectedAt.Format(time.RFC3339))},
		},
	}, nil
}
