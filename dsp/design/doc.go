// Package design computes biquad coefficients from musical filter
// parameters {frequency, gain, Q, type, sample rate}.
//
// Single-section designers follow the Robert Bristow-Johnson Audio EQ
// Cookbook equations. With the intermediate values
//
//	A     = 10^(gainDB/40)
//	w0    = 2π f0 / fs
//	alpha = sin(w0) / (2 Q)
//
// the peaking filter, for example, is
//
//	b0 = 1 + alpha*A    a0 = 1 + alpha/A
//	b1 = -2 cos(w0)     a1 = -2 cos(w0)
//	b2 = 1 - alpha*A    a2 = 1 - alpha/A
//
// normalized by a0. The design is a pure function of its inputs:
// identical parameters always yield identical coefficients, which makes
// filter output deterministic across runs. At gainDB = 0 the peaking and
// shelving designs collapse to exact unity (b == a), so a disabled band
// is a true no-op rather than an approximation.
//
// Higher-order lowpass/highpass responses use cascaded Butterworth
// sections with the standard pole Q values 1/(2 sin(θ_k)).
package design
