// Package monitor provides observation taps for the stream pipeline.
// Spectrum maintains a live magnitude spectrum of the equalized signal
// for display in tuning frontends.
package monitor

import (
	"fmt"
	"math"
	"sync"

	algofft "github.com/cwbudde/algo-fft"
	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-voiceeq/dsp/window"
	"github.com/cwbudde/algo-voiceeq/pcm"
)

const (
	// FloorDB is reported for bins before the first full analysis
	// frame and for magnitudes below numeric noise.
	FloorDB = -130.0

	defaultOverlap   = 0.5
	defaultSmoothing = 0.8

	eps = 1e-12
)

// Spectrum is a frame tap computing a windowed, overlapped, smoothed
// magnitude spectrum of channel 0. Observe runs on the audio goroutine
// and does no allocation; readers poll MagnitudesDB from any goroutine.
type Spectrum struct {
	mu sync.Mutex

	sampleRate float64
	fftSize    int
	hop        int
	smoothing  float64

	plan    *algofft.Plan[complex128]
	win     []float64
	winGain float64

	ring   []float64
	write  int
	filled int
	toHop  int

	in  []complex128
	out []complex128
	re  []float64
	im  []float64
	mag []float64

	db    []float64
	ready bool
}

// Option configures a Spectrum.
type Option func(*Spectrum)

// WithOverlap sets the analysis window overlap in [0, 0.95].
func WithOverlap(overlap float64) Option {
	return func(s *Spectrum) {
		s.hop = int(math.Round(float64(s.fftSize) * (1 - clamp(overlap, 0, 0.95))))
		if s.hop < 1 {
			s.hop = 1
		}
	}
}

// WithSmoothing sets exponential smoothing across analysis frames in
// [0, 0.95]; 0 disables smoothing.
func WithSmoothing(smoothing float64) Option {
	return func(s *Spectrum) { s.smoothing = clamp(smoothing, 0, 0.95) }
}

// NewSpectrum returns a spectrum analyzer with a Hann analysis window.
// fftSize must be a power of two.
func NewSpectrum(sampleRate, fftSize int, opts ...Option) (*Spectrum, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("monitor: sample rate %d", sampleRate)
	}
	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		return nil, fmt.Errorf("monitor: fft plan: %w", err)
	}

	win := window.Hann(fftSize)
	sum := 0.0
	for _, w := range win {
		sum += w
	}

	s := &Spectrum{
		sampleRate: float64(sampleRate),
		fftSize:    fftSize,
		smoothing:  defaultSmoothing,
		plan:       plan,
		win:        win,
		winGain:    sum / float64(fftSize),
		ring:       make([]float64, fftSize),
		in:         make([]complex128, fftSize),
		out:        make([]complex128, fftSize),
		re:         make([]float64, fftSize/2+1),
		im:         make([]float64, fftSize/2+1),
		mag:        make([]float64, fftSize/2+1),
		db:         make([]float64, fftSize/2+1),
	}
	WithOverlap(defaultOverlap)(s)
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.db {
		s.db[i] = FloorDB
	}
	return s, nil
}

// Observe pushes the frame's first channel into the analysis ring.
func (s *Spectrum) Observe(f *pcm.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, x := range f.Data[0] {
		s.ring[s.write] = x
		s.write++
		if s.write >= s.fftSize {
			s.write = 0
		}
		if s.filled < s.fftSize {
			s.filled++
		}
		s.toHop++
		if s.filled == s.fftSize && s.toHop >= s.hop {
			s.toHop = 0
			s.analyze()
		}
	}
}

func (s *Spectrum) analyze() {
	read := s.write
	for i := 0; i < s.fftSize; i++ {
		s.in[i] = complex(s.ring[read]*s.win[i], 0)
		read++
		if read >= s.fftSize {
			read = 0
		}
	}

	if err := s.plan.Forward(s.out, s.in); err != nil {
		return
	}

	for k := range s.re {
		s.re[k] = real(s.out[k])
		s.im[k] = imag(s.out[k])
	}
	vecmath.Magnitude(s.mag, s.re, s.im)

	norm := float64(s.fftSize) * math.Max(s.winGain, eps)
	last := len(s.db) - 1
	for k := 0; k <= last; k++ {
		m := s.mag[k] / norm
		if k > 0 && k < last {
			m *= 2
		}
		valDB := 20 * math.Log10(math.Max(eps, m))
		if valDB < FloorDB {
			valDB = FloorDB
		}
		if !s.ready || s.smoothing == 0 {
			s.db[k] = valDB
			continue
		}
		s.db[k] = s.smoothing*s.db[k] + (1-s.smoothing)*valDB
	}
	s.ready = true
}

// Ready reports whether at least one full analysis frame has been
// computed.
func (s *Spectrum) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// MagnitudesDB returns a copy of the current spectrum in dBFS, one
// value per bin from DC to Nyquist.
func (s *Spectrum) MagnitudesDB() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.db))
	copy(out, s.db)
	return out
}

// BinFrequency returns the center frequency of bin k.
func (s *Spectrum) BinFrequency(k int) float64 {
	return float64(k) * s.sampleRate / float64(s.fftSize)
}

// Dominant returns the frequency of the strongest bin above DC, and
// false until the first analysis frame completes.
func (s *Spectrum) Dominant() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0, false
	}
	best, bestDB := 1, s.db[1]
	for k := 2; k < len(s.db); k++ {
		if s.db[k] > bestDB {
			best, bestDB = k, s.db[k]
		}
	}
	return float64(best) * s.sampleRate / float64(s.fftSize), true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
