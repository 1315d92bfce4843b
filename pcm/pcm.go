// Package pcm defines the audio frame type passed through the streaming
// pipeline and a few sample-buffer helpers.
//
// A Frame is a fixed-length chunk of consecutive samples, stored as one
// float64 plane per channel. Planes are processed in place by the filter
// chain, so a frame allocated once at session start can be reused for the
// whole session without further allocation.
package pcm

import "math"

// Frame is one fixed-size block of audio. Data holds one sample plane per
// channel; all planes have the same length. Index increases by one for
// every frame read from a device within a session.
type Frame struct {
	Data       [][]float64
	SampleRate int
	Index      uint64
}

// NewFrame allocates a frame with the given channel count and plane length.
func NewFrame(channels, length, sampleRate int) *Frame {
	data := make([][]float64, channels)
	for c := range data {
		data[c] = make([]float64, length)
	}

	return &Frame{Data: data, SampleRate: sampleRate}
}

// Channels returns the number of sample planes.
func (f *Frame) Channels() int { return len(f.Data) }

// Len returns the number of samples per channel, or 0 for an empty frame.
func (f *Frame) Len() int {
	if len(f.Data) == 0 {
		return 0
	}

	return len(f.Data[0])
}

// Clone returns a deep copy of the frame. Used by monitor taps that need
// the data to outlive the current pipeline pass.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		Data:       make([][]float64, len(f.Data)),
		SampleRate: f.SampleRate,
		Index:      f.Index,
	}
	for c := range f.Data {
		out.Data[c] = append([]float64(nil), f.Data[c]...)
	}

	return out
}

// CopyFrom copies sample data and tags from src. Planes must match in
// channel count and length.
func (f *Frame) CopyFrom(src *Frame) {
	for c := range f.Data {
		copy(f.Data[c], src.Data[c])
	}

	f.SampleRate = src.SampleRate
	f.Index = src.Index
}

// RMS returns the root-mean-square level of a sample plane.
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}

	var sum float64
	for _, v := range x {
		sum += v * v
	}

	return math.Sqrt(sum / float64(len(x)))
}

// RMSDB returns the RMS level in dBFS. Returns -Inf for silence.
func RMSDB(x []float64) float64 {
	r := RMS(x)
	if r <= 0 {
		return math.Inf(-1)
	}

	return 20 * math.Log10(r)
}

// Zero clears a sample plane.
func Zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}

// DBToLinear converts a decibel gain to a linear factor.
func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// LinearToDB converts a linear factor to decibels. Returns -Inf for 0.
func LinearToDB(lin float64) float64 {
	if lin <= 0 {
		return math.Inf(-1)
	}

	return 20 * math.Log10(lin)
}
