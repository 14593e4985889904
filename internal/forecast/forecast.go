// Package forecast projects weekly case counts a few weeks ahead by fitting a
// single-peak Gaussian epidemic curve, with a linear trend as the fallback.
package forecast

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/adalyuf/flutracker/internal/domain"
)

const (
	// MinPoints is the shortest series that produces a forecast.
	MinPoints = 4
	// MaxWeeksAhead bounds the projection horizon served to callers.
	MaxWeeksAhead = 8

	z80 = 1.28
	z95 = 1.96

	uncertaintyGrowth = 0.3
	trendWindow       = 4
)

const (
	MethodGaussian = "gaussian"
	MethodLinear   = "linear"
)

const week = 7 * 24 * time.Hour

// Result is a projection plus, for the Gaussian path, the fitted peak.
type Result struct {
	Points        []domain.ForecastPoint `json:"data"`
	PeakDate      *string                `json:"peak_date"`
	PeakMagnitude *int                   `json:"peak_magnitude"`
	Method        string                 `json:"method,omitempty"`
}

// Forecast projects weeksAhead weekly values following values, observed at
// dates. Fewer than MinPoints values yields an empty result.
func Forecast(dates []time.Time, values []float64, weeksAhead int) Result {
	res := Result{Points: []domain.ForecastPoint{}}
	if len(values) < MinPoints || weeksAhead <= 0 {
		return res
	}

	last := domain.Now()
	if len(dates) > 0 {
		last = dates[len(dates)-1]
	}

	fit, err := FitGaussian(values)
	if err != nil {
		return linear(last, values, weeksAhead)
	}

	x := indices(len(values))
	residuals := make([]float64, len(values))
	for i := range values {
		residuals[i] = values[i] - fit.At(x[i])
	}
	rmse := math.Sqrt(floats.Dot(residuals, residuals) / float64(len(residuals)))

	res.Method = MethodGaussian
	for i := 1; i <= weeksAhead; i++ {
		predicted := math.Max(0, fit.At(float64(len(values)-1+i)))
		res.Points = append(res.Points, point(last, i, predicted, rmse))
	}

	if len(dates) > 0 {
		peak := dates[0].Add(time.Duration(fit.Mean * float64(week))).Format(time.DateOnly)
		magnitude := int(math.RoundToEven(fit.Amplitude))
		res.PeakDate = &peak
		res.PeakMagnitude = &magnitude
	}
	return res
}

// linear extrapolates the least-squares slope of the last four values. It
// never reports a peak.
func linear(last time.Time, values []float64, weeksAhead int) Result {
	res := Result{Points: []domain.ForecastPoint{}, Method: MethodLinear}

	recent := values[max(0, len(values)-trendWindow):]
	lastValue := recent[len(recent)-1]

	var slope, spread float64
	if len(recent) > 1 {
		_, slope = stat.LinearRegression(indices(len(recent)), recent, nil, false)
		_, spread = stat.PopMeanStdDev(recent, nil)
	} else {
		spread = lastValue * 0.2
	}

	for i := 1; i <= weeksAhead; i++ {
		predicted := math.Max(0, lastValue+slope*float64(i))
		res.Points = append(res.Points, point(last, i, predicted, spread))
	}
	return res
}

// point builds the i-th projected week with bands widening by 30% per week.
func point(last time.Time, i int, predicted, baseErr float64) domain.ForecastPoint {
	se := baseErr * (1 + uncertaintyGrowth*float64(i))
	return domain.ForecastPoint{
		Date:           last.Add(time.Duration(i) * week).Format(time.DateOnly),
		PredictedCases: roundCases(predicted),
		Lower80:        roundCases(math.Max(0, predicted-z80*se)),
		Upper80:        roundCases(predicted + z80*se),
		Lower95:        roundCases(math.Max(0, predicted-z95*se)),
		Upper95:        roundCases(predicted + z95*se),
	}
}

func roundCases(v float64) int {
	return int(math.RoundToEven(v))
}

func indices(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	return x
}
