package forecast

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MaxEvaluations caps model evaluations during a fit.
const MaxEvaluations = 5000

var evaluationBudget = MaxEvaluations

const (
	ftol          = 1e-8
	xtol          = 1e-8
	initialLambda = 1e-3
	maxLambda     = 1e16
)

var (
	// ErrInvalidBounds is returned when the series has no positive value.
	ErrInvalidBounds = errors.New("gaussian fit: invalid parameter bounds")
	// ErrNoConvergence is returned when the evaluation budget runs out or no
	// damping yields an improving step.
	ErrNoConvergence = errors.New("gaussian fit: did not converge")
)

// Gaussian is A·exp(−(x−μ)²/2σ²) over week index x.
type Gaussian struct {
	Amplitude float64
	Mean      float64
	Sigma     float64
}

// At evaluates the curve at x.
func (g Gaussian) At(x float64) float64 {
	d := x - g.Mean
	return g.Amplitude * math.Exp(-d*d/(2*g.Sigma*g.Sigma))
}

type bounds struct {
	lower, upper [3]float64
}

func (b bounds) clip(p []float64) {
	for i := range p {
		p[i] = math.Min(math.Max(p[i], b.lower[i]), b.upper[i])
	}
}

// FitGaussian fits a Gaussian to values at x = 0..n-1 by bounded
// Levenberg–Marquardt least squares. The seed is the series maximum, its
// index and max(n/4, 1); A is bounded to [0, 5·max], μ to [−n, 2n] and σ to
// [0.5, 2n].
func FitGaussian(values []float64) (Gaussian, error) {
	n := len(values)
	if n < 3 {
		return Gaussian{}, fmt.Errorf("gaussian fit: need at least 3 points, got %d", n)
	}
	peak := floats.Max(values)
	if !(peak > 0) {
		return Gaussian{}, ErrInvalidBounds
	}
	b := bounds{
		lower: [3]float64{0, -float64(n), 0.5},
		upper: [3]float64{5 * peak, 2 * float64(n), 2 * float64(n)},
	}
	p := []float64{peak, float64(floats.MaxIdx(values)), math.Max(float64(n)/4, 1)}
	b.clip(p)

	x := indices(n)
	residuals := make([]float64, n)
	jac := mat.NewDense(n, 3, nil)

	cost := func(params []float64) float64 {
		g := Gaussian{params[0], params[1], params[2]}
		sum := 0.0
		for i := range x {
			r := values[i] - g.At(x[i])
			sum += r * r
		}
		return sum
	}

	current := cost(p)
	evals := 1
	lambda := initialLambda
	candidate := make([]float64, 3)

	for evals < evaluationBudget {
		if current == 0 {
			return Gaussian{p[0], p[1], p[2]}, nil
		}

		// Jacobian of the model and residuals at p.
		g := Gaussian{p[0], p[1], p[2]}
		s2 := g.Sigma * g.Sigma
		for i, xi := range x {
			e := math.Exp(-(xi - g.Mean) * (xi - g.Mean) / (2 * s2))
			d := xi - g.Mean
			jac.Set(i, 0, e)
			jac.Set(i, 1, g.Amplitude*e*d/s2)
			jac.Set(i, 2, g.Amplitude*e*d*d/(s2*g.Sigma))
			residuals[i] = values[i] - g.Amplitude*e
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(n, residuals))

		for lambda <= maxLambda && evals < evaluationBudget {
			damped := mat.DenseCopyOf(&jtj)
			for i := 0; i < 3; i++ {
				d := jtj.At(i, i)
				damped.Set(i, i, d+lambda*math.Max(d, 1e-12))
			}
			var step mat.VecDense
			if err := step.SolveVec(damped, &grad); err != nil {
				lambda *= 10
				continue
			}

			for i := range candidate {
				candidate[i] = p[i] + step.AtVec(i)
			}
			b.clip(candidate)
			next := cost(candidate)
			evals++

			moved := math.Sqrt(sqDist(candidate, p))
			if math.IsNaN(next) {
				lambda *= 10
				continue
			}
			if next < current {
				reduction := current - next
				copy(p, candidate)
				current = next
				lambda = math.Max(lambda/10, 1e-12)
				if reduction <= ftol*current || moved <= xtol*(xtol+floats.Norm(p, 2)) {
					return Gaussian{p[0], p[1], p[2]}, nil
				}
				break
			}
			if moved <= xtol*(xtol+floats.Norm(p, 2)) {
				// No representable step improves the fit: p is a local minimum.
				return Gaussian{p[0], p[1], p[2]}, nil
			}
			lambda *= 10
		}
		if lambda > maxLambda {
			return Gaussian{}, ErrNoConvergence
		}
	}
	return Gaussian{}, ErrNoConvergence
}

func sqDist(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
