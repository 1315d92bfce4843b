// Package window provides the analysis windows used by the tuner and
// spectrum monitor before FFT evaluation.
//
// Only the raised-cosine family is needed here; both windows are
// symmetric:
//
//	hann:    w[i] = 0.5 - 0.5*cos(2πi/(N-1))
//	hamming: w[i] = 0.54 - 0.46*cos(2πi/(N-1))
package window

import "math"

// Hann returns an N-point symmetric Hann window.
func Hann(n int) []float64 {
	return raisedCosine(n, 0.5)
}

// Hamming returns an N-point symmetric Hamming window.
func Hamming(n int) []float64 {
	return raisedCosine(n, 0.54)
}

func raisedCosine(n int, a0 float64) []float64 {
	if n <= 0 {
		return nil
	}

	out := make([]float64, n)
	if n == 1 {
		out[0] = 1
		return out
	}

	for i := range out {
		out[i] = a0 - (1-a0)*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}

	return out
}

// Apply multiplies buf in-place by the window coefficients. The slices
// must have equal length.
func Apply(buf, coeffs []float64) {
	for i := range buf {
		buf[i] *= coeffs[i]
	}
}
