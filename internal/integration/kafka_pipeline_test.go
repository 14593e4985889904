//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/adalyuf/flutracker/internal/adapter/kafka"
	"github.com/adalyuf/flutracker/internal/adapter/sqlite"
	"github.com/adalyuf/flutracker/internal/anomaly"
	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/observability"
	"github.com/adalyuf/flutracker/internal/pipeline"
)

const testAnomalyTopic = "test-flu-anomalies"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("flutracker-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)
	ctrl, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// TestAnomalyCycleToKafka stores a spiking French series, runs detection and
// reads the published anomaly back from the topic.
func TestAnomalyCycleToKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, 6, 19, 12, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })

	broker := startKafka(ctx, t)
	createTopic(t, broker, testAnomalyTopic)

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "flu.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	var records []domain.SurveillanceRecord
	for i := 0; i < 16; i++ {
		cases := 280
		switch {
		case i >= 12:
			cases = 3000
		case i%2 == 1:
			cases = 1720
		}
		records = append(records, domain.SurveillanceRecord{
			Time: first.AddDate(0, 0, 7*i), CountryCode: "FR", NewCases: cases,
			FluType: domain.FluTypeH3N2, Source: "who_flunet",
		})
	}
	runner := pipeline.NewRunner(store, discardLogger(), observability.NewMetricsForTesting())
	_, err = runner.RunRecords(ctx, "who_flunet", "", records)
	require.NoError(t, err)

	writer := kafka.NewWriter([]string{broker}, testAnomalyTopic, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	engine := anomaly.NewEngine(store, discardLogger(), observability.NewMetricsForTesting(), anomaly.WithPublisher(writer))
	set, err := engine.Detect(ctx)
	require.NoError(t, err)
	require.Len(t, set, 1)

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   []string{broker},
		Topic:     testAnomalyTopic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1 << 20,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from anomaly topic")

	var got domain.Anomaly
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "FR", string(msg.Key))
	assert.Equal(t, "FR", got.CountryCode)
	assert.InDelta(t, 2.78, got.ZScore, 1e-9)
	assert.Equal(t, domain.SeverityMedium, got.Severity)

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, domain.SeverityMedium, headers["severity"])
	assert.NotEmpty(t, headers["detected_at"])
}
