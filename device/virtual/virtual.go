// Package virtual provides in-process audio endpoints for tests and
// offline runs: deterministic signal generators as inputs and a
// recording sink as output, plus hooks for injecting mid-stream device
// failures.
package virtual

import (
	"math"
	"sync"

	"github.com/cwbudde/algo-voiceeq/device"
	"github.com/cwbudde/algo-voiceeq/pcm"
)

// RenderFunc writes generated samples into dst. start is the absolute
// sample position of dst[0] since the generator was opened.
type RenderFunc func(dst []float64, sampleRate int, start uint64)

// Sine returns a render function producing a steady sine tone.
func Sine(freqHz, amplitude float64) RenderFunc {
	return func(dst []float64, sampleRate int, start uint64) {
		step := 2 * math.Pi * freqHz / float64(sampleRate)
		for i := range dst {
			dst[i] = amplitude * math.Sin(step*float64(start+uint64(i)))
		}
	}
}

// Sweep returns a render function producing an exponential sine sweep
// from startHz to endHz over the given duration, then silence.
func Sweep(startHz, endHz, seconds, amplitude float64) RenderFunc {
	return func(dst []float64, sampleRate int, start uint64) {
		k := math.Log(endHz / startHz)
		scale := 2 * math.Pi * startHz * seconds / k
		for i := range dst {
			t := float64(start+uint64(i)) / float64(sampleRate)
			if t >= seconds {
				dst[i] = 0
				continue
			}
			dst[i] = amplitude * math.Sin(scale*(math.Exp(t*k/seconds)-1))
		}
	}
}

// Silence returns a render function producing zeros.
func Silence() RenderFunc {
	return func(dst []float64, sampleRate int, start uint64) {
		for i := range dst {
			dst[i] = 0
		}
	}
}

// Generator is a deterministic capture endpoint. The same render
// function is written to every channel.
type Generator struct {
	mu        sync.Mutex
	render    RenderFunc
	pos       uint64
	index     uint64
	failAfter int
	failErr   error
	closed    bool
}

// NewGenerator returns a generator producing frames from render.
func NewGenerator(render RenderFunc) *Generator {
	return &Generator{render: render, failAfter: -1}
}

// FailAfter makes the generator return err once frames frames have been
// read, simulating a mid-stream device failure.
func (g *Generator) FailAfter(frames int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failAfter = frames
	g.failErr = err
}

// ReadFrame fills f with the next stretch of the generated signal.
func (g *Generator) ReadFrame(f *pcm.Frame) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return device.ErrClosed
	}
	if g.failAfter >= 0 && g.index >= uint64(g.failAfter) {
		return g.failErr
	}

	for ch := 0; ch < f.Channels(); ch++ {
		g.render(f.Data[ch], f.SampleRate, g.pos)
	}
	f.Index = g.index
	g.pos += uint64(f.Len())
	g.index++

	return nil
}

// Close marks the generator closed; further reads fail.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

// Recorder is a playback endpoint that retains every written frame.
type Recorder struct {
	mu        sync.Mutex
	frames    []*pcm.Frame
	failAfter int
	failErr   error
	closed    bool
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{failAfter: -1}
}

// FailAfter makes the recorder return err once frames frames have been
// written.
func (r *Recorder) FailAfter(frames int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAfter = frames
	r.failErr = err
}

// WriteFrame stores a copy of f.
func (r *Recorder) WriteFrame(f *pcm.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return device.ErrClosed
	}
	if r.failAfter >= 0 && len(r.frames) >= r.failAfter {
		return r.failErr
	}
	r.frames = append(r.frames, f.Clone())

	return nil
}

// Close marks the recorder closed; further writes fail.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Frames returns the recorded frames in write order.
func (r *Recorder) Frames() []*pcm.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pcm.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Samples concatenates the recorded samples of one channel.
func (r *Recorder) Samples(channel int) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []float64
	for _, f := range r.frames {
		out = append(out, f.Data[channel]...)
	}
	return out
}

// Backend serves pre-registered endpoints by name and implements the
// format negotiation and failure paths of a real backend.
type Backend struct {
	mu             sync.Mutex
	inputs         map[string]device.Input
	outputs        map[string]device.Output
	supportedRates map[int]bool
	openErr        error
}

// NewBackend returns an empty backend accepting any sample rate.
func NewBackend() *Backend {
	return &Backend{
		inputs:  map[string]device.Input{},
		outputs: map[string]device.Output{},
	}
}

// AddInput registers in under name. Registering under
// device.DefaultName makes it the default capture endpoint.
func (b *Backend) AddInput(name string, in device.Input) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs[name] = in
}

// AddOutput registers out under name.
func (b *Backend) AddOutput(name string, out device.Output) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs[name] = out
}

// SupportRates restricts the backend to the given sample rates; other
// rates fail with ErrUnsupportedFormat on open.
func (b *Backend) SupportRates(rates ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.supportedRates = map[int]bool{}
	for _, r := range rates {
		b.supportedRates[r] = true
	}
}

// FailOpens makes every subsequent open fail with err.
func (b *Backend) FailOpens(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

func (b *Backend) negotiate(cfg device.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if b.openErr != nil {
		return b.openErr
	}
	if b.supportedRates != nil && !b.supportedRates[cfg.SampleRate] {
		return device.ErrUnsupportedFormat
	}
	return nil
}

// OpenInput implements device.Backend.
func (b *Backend) OpenInput(name string, cfg device.Config) (device.Input, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.negotiate(cfg); err != nil {
		return nil, err
	}
	in, ok := b.inputs[name]
	if !ok {
		return nil, device.ErrUnavailable
	}
	return in, nil
}

// OpenOutput implements device.Backend.
func (b *Backend) OpenOutput(name string, cfg device.Config) (device.Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.negotiate(cfg); err != nil {
		return nil, err
	}
	out, ok := b.outputs[name]
	if !ok {
		return nil, device.ErrUnavailable
	}
	return out, nil
}

// Devices implements device.Enumerator over the registered endpoints.
func (b *Backend) Devices(dir device.Direction) ([]device.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var infos []device.Info
	add := func(name string) {
		infos = append(infos, device.Info{Name: name, IsDefault: name == device.DefaultName})
	}
	switch dir {
	case device.Capture:
		for name := range b.inputs {
			add(name)
		}
	case device.Playback:
		for name := range b.outputs {
			add(name)
		}
	}
	return infos, nil
}
