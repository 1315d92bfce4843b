package testutil

import (
	"math"
	"testing"
)

func TestRequireSliceNearlyEqualPasses(t *testing.T) {
	a := []float64{1.0, 2.0, 3.0}
	b := []float64{1.0, 2.0 + 1e-13, 3.0}
	RequireSliceNearlyEqual(t, a, b, 1e-12)
}

func TestRequireFinitePasses(t *testing.T) {
	RequireFinite(t, []float64{0, -1.5, math.MaxFloat64})
}
