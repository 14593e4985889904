package forecast_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalyuf/flutracker/internal/domain"
	"github.com/adalyuf/flutracker/internal/forecast"
)

func weeks(start time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.AddDate(0, 0, 7*i)
	}
	return out
}

func assertBands(t *testing.T, points []domain.ForecastPoint) {
	t.Helper()
	for _, p := range points {
		assert.GreaterOrEqual(t, p.Lower95, 0, p.Date)
		assert.LessOrEqual(t, p.Lower95, p.Lower80, p.Date)
		assert.LessOrEqual(t, p.Lower80, p.PredictedCases, p.Date)
		assert.LessOrEqual(t, p.PredictedCases, p.Upper80, p.Date)
		assert.LessOrEqual(t, p.Upper80, p.Upper95, p.Date)
	}
}

func TestForecast_SeasonShape(t *testing.T) {
	start := time.Date(2024, 10, 7, 0, 0, 0, 0, time.UTC)
	values := []float64{100, 200, 400, 700, 1000, 1200, 1100, 800, 500, 300, 150, 100}

	res := forecast.Forecast(weeks(start, len(values)), values, 4)

	require.Len(t, res.Points, 4)
	assert.Equal(t, forecast.MethodGaussian, res.Method)
	assert.Equal(t, "2024-12-30", res.Points[0].Date)
	assert.Equal(t, "2025-01-20", res.Points[3].Date)
	assertBands(t, res.Points)

	require.NotNil(t, res.PeakDate)
	require.NotNil(t, res.PeakMagnitude)
	peak, err := time.Parse(time.DateOnly, *res.PeakDate)
	require.NoError(t, err)
	assert.True(t, peak.After(start.AddDate(0, 0, 7*4)), *res.PeakDate)
	assert.True(t, peak.Before(start.AddDate(0, 0, 7*7)), *res.PeakDate)
	assert.InDelta(t, 1200, *res.PeakMagnitude, 200)
}

func TestFitGaussian_RecoversCurve(t *testing.T) {
	want := forecast.Gaussian{Amplitude: 900, Mean: 7.5, Sigma: 2.2}
	values := make([]float64, 14)
	for i := range values {
		values[i] = want.At(float64(i))
	}

	got, err := forecast.FitGaussian(values)
	require.NoError(t, err)
	assert.InDelta(t, want.Amplitude, got.Amplitude, 1)
	assert.InDelta(t, want.Mean, got.Mean, 0.01)
	assert.InDelta(t, want.Sigma, got.Sigma, 0.01)
}

func TestFitGaussian_RejectsNonPositiveSeries(t *testing.T) {
	_, err := forecast.FitGaussian([]float64{0, 0, 0, 0})
	assert.ErrorIs(t, err, forecast.ErrInvalidBounds)
}

func TestFitGaussian_SaturatedDampingDoesNotConverge(t *testing.T) {
	_, err := forecast.FitGaussian([]float64{120, 340, math.NaN(), 610, 280})
	require.ErrorIs(t, err, forecast.ErrNoConvergence)
}

func TestForecast_TooShort(t *testing.T) {
	res := forecast.Forecast(weeks(time.Now(), 3), []float64{1, 2, 3}, 4)
	assert.Empty(t, res.Points)
	assert.NotNil(t, res.Points)
	assert.Nil(t, res.PeakDate)
	assert.Nil(t, res.PeakMagnitude)
}

func TestForecast_ZeroSeriesFallsBackToLinear(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res := forecast.Forecast(weeks(start, 6), make([]float64, 6), 3)

	assert.Equal(t, forecast.MethodLinear, res.Method)
	require.Len(t, res.Points, 3)
	for _, p := range res.Points {
		assert.Equal(t, domain.ForecastPoint{Date: p.Date}, p)
	}
	assert.Nil(t, res.PeakDate)
}

func TestGaussian_At(t *testing.T) {
	g := forecast.Gaussian{Amplitude: 10, Mean: 2, Sigma: 1}
	assert.InDelta(t, 10, g.At(2), 1e-9)
	assert.InDelta(t, 10*math.Exp(-0.5), g.At(3), 1e-9)
}
