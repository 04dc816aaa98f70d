package spline

import (
	"errors"
	"sort"

	"github.com/raterudder/forecaster/pkg/types"
)

var errKnots = errors.New("cubic interpolation needs at least two increasing knots")

// Cubic interpolates y over the increasing knots x and evaluates the curve at
// every point of at, rounding each result to four places. Points outside the
// knots extend the first or last segment.
//
// The second derivatives z solve the tridiagonal system
//
//	2h[0]z[0] + h[0]z[1] = 0
//	h[i-1]z[i-1] + 2(h[i-1]+h[i])z[i] + h[i]z[i+1] = 6(dy[i]/h[i] - dy[i-1]/h[i-1])
//	h[n-2]z[n-2] + 2h[n-2]z[n-1] = 0
//
// with h[i] = x[i+1]-x[i] and dy[i] = y[i+1]-y[i].
func Cubic(x, y, at []float64) ([]float64, error) {
	n := len(x)
	if n < 2 || len(y) != n {
		return nil, errKnots
	}
	h := make([]float64, n-1)
	for i := range h {
		h[i] = x[i+1] - x[i]
		if h[i] <= 0 {
			return nil, errKnots
		}
	}

	z := solve(h, y)

	out := make([]float64, len(at))
	for j, x0 := range at {
		i := sort.SearchFloat64s(x, x0)
		i = min(max(i, 1), n-1)
		xi0, xi1 := x[i-1], x[i]
		hi := xi1 - xi0
		a := xi1 - x0
		b := x0 - xi0
		out[j] = types.Round(z[i-1]/(6*hi)*a*a*a +
			z[i]/(6*hi)*b*b*b +
			(y[i]/hi-z[i]*hi/6)*b +
			(y[i-1]/hi-z[i-1]*hi/6)*a)
	}
	return out, nil
}

// solve runs the Thomas algorithm over the system documented on Cubic.
func solve(h, y []float64) []float64 {
	n := len(y)
	lower := make([]float64, n)
	diag := make([]float64, n)
	upper := make([]float64, n)
	rhs := make([]float64, n)

	diag[0], upper[0] = 2*h[0], h[0]
	for i := 1; i < n-1; i++ {
		lower[i] = h[i-1]
		diag[i] = 2 * (h[i-1] + h[i])
		upper[i] = h[i]
		rhs[i] = 6 * ((y[i+1]-y[i])/h[i] - (y[i]-y[i-1])/h[i-1])
	}
	lower[n-1], diag[n-1] = h[n-2], 2*h[n-2]

	// forward sweep
	c := make([]float64, n)
	d := make([]float64, n)
	c[0] = upper[0] / diag[0]
	d[0] = rhs[0] / diag[0]
	for i := 1; i < n; i++ {
		m := diag[i] - lower[i]*c[i-1]
		c[i] = upper[i] / m
		d[i] = (rhs[i] - lower[i]*d[i-1]) / m
	}

	z := make([]float64, n)
	z[n-1] = d[n-1]
	for i := n - 2; i >= 0; i-- {
		z[i] = d[i] - c[i]*z[i+1]
	}
	return z
}
