// Package eq implements the equalizer filter bank: an ordered set of
// parametric bands compiled into one biquad cascade per channel.
//
// A Bank is a streaming transform. Apply filters one frame in place and
// carries the filter delay-line history across calls, so frames must be
// fed in order. Parameter changes go through SetParameters, which swaps
// the affected coefficients while keeping the delay-line state, so a
// live tuning adjustment does not click. Only structural changes (a band
// changing its section count, or the band list changing length) reset
// state, as there is no meaningful history mapping between different
// topologies.
//
// Bands are designed with the RBJ cookbook equations (package
// dsp/design); a band with 0 dB gain is an exact no-op. The bank is
// intended to be driven from a single goroutine (the audio context);
// cross-context coordination is the job of package control. Snapshot is
// the only method safe to call from other goroutines.
package eq
