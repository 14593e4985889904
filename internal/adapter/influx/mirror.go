// Package influx mirrors stored case rows into an InfluxDB bucket for
// time-series dashboards. The relational store stays the source of truth.
package influx

import (
	"context"
	"fmt"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/adalyuf/flutracker/internal/domain"
)

// Measurement is the InfluxDB measurement case rows are written to.
const Measurement = "flu_cases"

const writeChunk = 5000

// Mirror writes case rows through a blocking write API.
// It implements pipeline.Mirror.
type Mirror struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// NewMirror connects to an InfluxDB v2 server.
func NewMirror(url, token, org, bucket string, logger *slog.Logger) *Mirror {
	client := influxdb2.NewClient(url, token)
	return &Mirror{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
		logger: logger,
	}
}

// NewMirrorWithAPI wraps an existing write API.
func NewMirrorWithAPI(w api.WriteAPIBlocking, logger *slog.Logger) *Mirror {
	return &Mirror{write: w, logger: logger}
}

// CheckReadiness pings the InfluxDB health endpoint.
func (m *Mirror) CheckReadiness(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	health, err := m.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influx health: status %s", health.Status)
	}
	return nil
}

// MirrorCases writes records as points in chunks.
func (m *Mirror) MirrorCases(ctx context.Context, records []domain.SurveillanceRecord) error {
	for start := 0; start < len(records); start += writeChunk {
		end := min(start+writeChunk, len(records))
		points := make([]*write.Point, 0, end-start)
		for _, r := range records[start:end] {
			points = append(points, toPoint(r))
		}
		if err := m.write.WritePoint(ctx, points...); err != nil {
			return fmt.Errorf("write points: %w", err)
		}
	}
	m.logger.Debug("cases mirrored", "points", len(records))
	return nil
}

// Close releases the client's connections.
func (m *Mirror) Close() {
	if m.client != nil {
		m.client.Close()
	}
}

func toPoint(r domain.SurveillanceRecord) *write.Point {
	p := influxdb2.NewPointWithMeasurement(Measurement).
		AddTag("country_code", r.CountryCode).
		AddTag("source", r.Source).
		AddField("new_cases", int64(r.NewCases)).
		SetTime(r.Time)
	// Empty tag values are not valid line protocol.
	if r.Region != "" {
		p.AddTag("region", r.Region)
	}
	if r.City != "" {
		p.AddTag("city", r.City)
	}
	if r.FluType != "" {
		p.AddTag("flu_type", r.FluType)
	}
	return p.SortTags()
}
