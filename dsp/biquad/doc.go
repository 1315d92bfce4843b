// Package biquad implements second-order recursive filter sections and
// cascades of them, the building blocks of the equalizer's band chain.
//
// Sections use the Direct Form II Transposed structure:
//
//	y[n] = B0*x[n] + d0
//	d0   = B1*x[n] - A1*y[n] + d1
//	d1   = B2*x[n] - A2*y[n]
//
// with the denominator normalized so that a0 = 1. DF-II-T keeps the two
// delay elements numerically well behaved for audio-rate coefficient
// updates: swapping Coefficients while retaining d0/d1 produces a smooth
// transition instead of the click a state reset would cause. All
// processing is float64 throughout.
package biquad
