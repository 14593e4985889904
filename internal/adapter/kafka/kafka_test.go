package kafka

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalyuf/flutracker/internal/domain"
)

func TestSerializeToMessage(t *testing.T) {
	now := time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC)
	a := domain.Anomaly{
		DetectedAt:  now,
		CountryCode: "BR",
		Region:      "São Paulo",
		Metric:      "cases",
		ZScore:      3.61,
		Description: "Regional spike: São Paulo (BR)",
		Severity:    domain.SeverityCritical,
	}

	msg, err := serializeToMessage(a)
	require.NoError(t, err)

	assert.Equal(t, []byte("BR/São Paulo"), msg.Key)
	assert.Contains(t, string(msg.Value), `"z_score":3.61`)
	assert.Contains(t, string(msg.Value), `"region":"São Paulo"`)
	assert.Len(t, msg.Headers, 2)
	assert.Equal(t, "severity", msg.Headers[0].Key)
	assert.Equal(t, []byte(domain.SeverityCritical), msg.Headers[0].Value)
	assert.Equal(t, "detected_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(now.Format(time.RFC3339)), msg.Headers[1].Value)
}

func TestMessageKey_CountryLevel(t *testing.T) {
	assert.Equal(t, "FR", messageKey(domain.Anomaly{CountryCode: "FR"}))
}

func TestPublishAnomalies_EmptySetIsNoop(t *testing.T) {
	// No broker is reachable at this address; an empty set must not dial.
	w := NewWriter([]string{"127.0.0.1:1"}, "flu-anomalies", slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.PublishAnomalies(context.Background(), nil))
}
