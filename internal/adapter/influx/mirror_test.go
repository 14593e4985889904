package influx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalyuf/flutracker/internal/domain"
)

type mockWriteAPI struct {
	calls  int
	points []*write.Point
	err    error
}

func (m *mockWriteAPI) WritePoint(_ context.Context, point ...*write.Point) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.points = append(m.points, point...)
	return nil
}

func (m *mockWriteAPI) WriteRecord(context.Context, ...string) error { return nil }
func (m *mockWriteAPI) EnableBatching()                              {}
func (m *mockWriteAPI) Flush(context.Context) error                  { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMirrorCases_WritesLineProtocol(t *testing.T) {
	api := &mockWriteAPI{}
	m := NewMirrorWithAPI(api, discardLogger())

	week := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := m.MirrorCases(context.Background(), []domain.SurveillanceRecord{
		{Time: week, CountryCode: "GB", Region: "London", NewCases: 42, FluType: domain.FluTypeH3N2, Source: "uk_ukhsa"},
		{Time: week, CountryCode: "US", NewCases: 7, Source: "usa_cdc"},
	})
	require.NoError(t, err)
	require.Len(t, api.points, 2)

	assert.Equal(t,
		"flu_cases,country_code=GB,flu_type=H3N2,region=London,source=uk_ukhsa new_cases=42i 1704067200\n",
		write.PointToLineProtocol(api.points[0], time.Second))
	assert.Equal(t,
		"flu_cases,country_code=US,source=usa_cdc new_cases=7i 1704067200\n",
		write.PointToLineProtocol(api.points[1], time.Second))
}

func TestMirrorCases_Chunks(t *testing.T) {
	api := &mockWriteAPI{}
	m := NewMirrorWithAPI(api, discardLogger())

	records := make([]domain.SurveillanceRecord, writeChunk+1)
	for i := range records {
		records[i] = domain.SurveillanceRecord{Time: time.Unix(int64(i)*604800, 0).UTC(), CountryCode: "FR", Source: "who_flunet"}
	}
	require.NoError(t, m.MirrorCases(context.Background(), records))
	assert.Equal(t, 2, api.calls)
	assert.Len(t, api.points, writeChunk+1)
}

func TestMirrorCases_WrapsError(t *testing.T) {
	boom := errors.New("unauthorized")
	m := NewMirrorWithAPI(&mockWriteAPI{err: boom}, discardLogger())

	err := m.MirrorCases(context.Background(), []domain.SurveillanceRecord{{CountryCode: "FR", Source: "who_flunet"}})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "write points")
}

func TestMirror_CheckReadinessWithoutClient(t *testing.T) {
	m := NewMirrorWithAPI(&mockWriteAPI{}, discardLogger())
	assert.NoError(t, m.CheckReadiness(context.Background()))
}
