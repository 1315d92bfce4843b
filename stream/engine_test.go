package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	algofft "github.com/cwbudde/algo-fft"

	"github.com/cwbudde/algo-voiceeq/control"
	"github.com/cwbudde/algo-voiceeq/device"
	"github.com/cwbudde/algo-voiceeq/device/virtual"
	"github.com/cwbudde/algo-voiceeq/eq"
	"github.com/cwbudde/algo-voiceeq/pcm"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testBank(t *testing.T, sampleRate int, bands []eq.BandParameters) *eq.Bank {
	t.Helper()
	bank, err := eq.NewBank(sampleRate, 1, bands)
	if err != nil {
		t.Fatal(err)
	}
	return bank
}

// runUntilFrames starts the engine, waits for at least n processed
// frames, cancels, and returns Run's error.
func runUntilFrames(t *testing.T, e *Engine, n uint64) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for e.FramesProcessed() < n {
		select {
		case err := <-done:
			t.Fatalf("Run returned early (%d frames): %v", e.FramesProcessed(), err)
		case <-deadline:
			t.Fatalf("timeout waiting for %d frames (got %d)", n, e.FramesProcessed())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		return err
	case <-deadline:
		t.Fatal("timeout waiting for Run to return")
		return nil
	}
}

func TestCleanStopReachesClosed(t *testing.T) {
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, virtual.NewGenerator(virtual.Sine(440, 0.5)))
	rec := virtual.NewRecorder()
	backend.AddOutput(device.DefaultName, rec)

	cfg := Config{SampleRate: 48000, FrameSize: 256, Channels: 1}
	e, err := New(backend, cfg, testBank(t, 48000, nil), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	if err := runUntilFrames(t, e, 10); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if got := e.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if len(rec.Frames()) < 10 {
		t.Fatalf("recorded %d frames, want >= 10", len(rec.Frames()))
	}
}

func TestUnsupportedRateFailsBeforeRunning(t *testing.T) {
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, virtual.NewGenerator(virtual.Silence()))
	backend.AddOutput(device.DefaultName, virtual.NewRecorder())
	backend.SupportRates(44100, 48000)

	cfg := Config{SampleRate: 22050, FrameSize: 256, Channels: 1}
	e, err := New(backend, cfg, testBank(t, 22050, nil), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	err = e.Run(context.Background())
	if !errors.Is(err, device.ErrUnsupportedFormat) {
		t.Fatalf("Run = %v, want ErrUnsupportedFormat", err)
	}
	if got := e.State(); got != StateError {
		t.Fatalf("state = %v, want error", got)
	}
	if e.FramesProcessed() != 0 {
		t.Fatalf("frames = %d, want 0", e.FramesProcessed())
	}
}

func TestUnknownDeviceFailsOpening(t *testing.T) {
	backend := virtual.NewBackend()
	backend.AddOutput(device.DefaultName, virtual.NewRecorder())

	cfg := Config{InputName: "ghost", SampleRate: 48000, FrameSize: 256, Channels: 1}
	e, err := New(backend, cfg, testBank(t, 48000, nil), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	if err := e.Run(context.Background()); !errors.Is(err, device.ErrUnavailable) {
		t.Fatalf("Run = %v, want ErrUnavailable", err)
	}
	if got := e.State(); got != StateError {
		t.Fatalf("state = %v, want error", got)
	}
}

func TestMidStreamDisconnectTerminates(t *testing.T) {
	gen := virtual.NewGenerator(virtual.Sine(440, 0.5))
	gen.FailAfter(3, device.ErrDisconnected)
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, gen)
	backend.AddOutput(device.DefaultName, virtual.NewRecorder())

	cfg := Config{SampleRate: 48000, FrameSize: 256, Channels: 1}
	e, err := New(backend, cfg, testBank(t, 48000, nil), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	err = e.Run(context.Background())
	if !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("Run = %v, want ErrDisconnected", err)
	}
	if got := e.State(); got != StateError {
		t.Fatalf("state = %v, want error", got)
	}
	if e.FramesProcessed() != 3 {
		t.Fatalf("frames = %d, want 3", e.FramesProcessed())
	}
}

// underrunInput injects capture underruns on selected read calls.
type underrunInput struct {
	inner  device.Input
	fail   func(call int) bool
	calls  int
	closed bool
}

func (u *underrunInput) ReadFrame(f *pcm.Frame) error {
	u.calls++
	if u.fail(u.calls) {
		return device.ErrUnderrun
	}
	return u.inner.ReadFrame(f)
}

func (u *underrunInput) Close() error {
	u.closed = true
	return u.inner.Close()
}

func TestTransientUnderrunsAreTolerated(t *testing.T) {
	in := &underrunInput{
		inner: virtual.NewGenerator(virtual.Sine(440, 0.5)),
		fail:  func(call int) bool { return call == 2 || call == 5 },
	}
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, in)
	backend.AddOutput(device.DefaultName, virtual.NewRecorder())

	cfg := Config{SampleRate: 48000, FrameSize: 256, Channels: 1}
	e, err := New(backend, cfg, testBank(t, 48000, nil), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	if err := runUntilFrames(t, e, 8); err != nil {
		t.Fatalf("Run = %v, want nil (transient underruns)", err)
	}
	if got := e.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	if !in.closed {
		t.Fatal("input not closed after session")
	}
}

func TestRepeatedUnderrunsEscalate(t *testing.T) {
	in := &underrunInput{
		inner: virtual.NewGenerator(virtual.Silence()),
		fail:  func(int) bool { return true },
	}
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, in)
	backend.AddOutput(device.DefaultName, virtual.NewRecorder())

	cfg := Config{SampleRate: 48000, FrameSize: 256, Channels: 1, GlitchTolerance: 2}
	e, err := New(backend, cfg, testBank(t, 48000, nil), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	err = e.Run(context.Background())
	if !errors.Is(err, device.ErrUnderrun) {
		t.Fatalf("Run = %v, want ErrUnderrun", err)
	}
	if in.calls != 3 {
		t.Fatalf("read calls = %d, want tolerance+1 = 3", in.calls)
	}
	if got := e.State(); got != StateError {
		t.Fatalf("state = %v, want error", got)
	}
}

// stuckOutput accepts frames but cannot flush them.
type stuckOutput struct {
	inner  device.Output
	closed bool
}

func (s *stuckOutput) WriteFrame(f *pcm.Frame) error { return s.inner.WriteFrame(f) }
func (s *stuckOutput) Drain() error                  { return device.ErrDisconnected }

func (s *stuckOutput) Close() error {
	s.closed = true
	return s.inner.Close()
}

func TestDrainFailureEndsInError(t *testing.T) {
	out := &stuckOutput{inner: virtual.NewRecorder()}
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, virtual.NewGenerator(virtual.Sine(440, 0.5)))
	backend.AddOutput(device.DefaultName, out)

	cfg := Config{SampleRate: 48000, FrameSize: 256, Channels: 1}
	e, err := New(backend, cfg, testBank(t, 48000, nil), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	err = runUntilFrames(t, e, 4)
	if !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("Run = %v, want ErrDisconnected from drain", err)
	}
	if got := e.State(); got != StateError {
		t.Fatalf("state = %v, want error", got)
	}
	if !out.closed {
		t.Fatal("output not closed after failed drain")
	}
}

func TestRunTwice(t *testing.T) {
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, virtual.NewGenerator(virtual.Silence()))
	backend.AddOutput(device.DefaultName, virtual.NewRecorder())

	cfg := Config{SampleRate: 48000, FrameSize: 256, Channels: 1}
	e, err := New(backend, cfg, testBank(t, 48000, nil), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := runUntilFrames(t, e, 1); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run = %v, want ErrAlreadyRun", err)
	}
}

func TestNewRejectsFormatMismatch(t *testing.T) {
	backend := virtual.NewBackend()
	cfg := Config{SampleRate: 48000, FrameSize: 256, Channels: 1}
	_, err := New(backend, cfg, testBank(t, 44100, nil), nil)
	if !errors.Is(err, eq.ErrInvalidParameter) {
		t.Fatalf("New = %v, want ErrInvalidParameter", err)
	}
}

func TestParameterUpdatesApplyOnFrameBoundaries(t *testing.T) {
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, virtual.NewGenerator(virtual.Sine(1000, 0.5)))
	rec := virtual.NewRecorder()
	backend.AddOutput(device.DefaultName, rec)

	bands := []eq.BandParameters{{Type: eq.Peaking, Freq: 1000, GainDB: 0, Q: 1}}
	bank := testBank(t, 48000, bands)
	var mbox control.Mailbox

	cfg := Config{SampleRate: 48000, FrameSize: 512, Channels: 1}
	e, err := New(backend, cfg, bank, &mbox, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for e.FramesProcessed() < 4 {
		time.Sleep(time.Millisecond)
	}
	mbox.Post(eq.UpdateBand(0, eq.BandParameters{Type: eq.Peaking, Freq: 1000, GainDB: 6.0206, Q: 1}))
	for e.FramesProcessed() < 40 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	frames := rec.Frames()
	baseline := pcm.RMS(frames[0].Data[0])
	boosted := pcm.RMS(frames[len(frames)-1].Data[0])

	// +6.02 dB at the tone frequency doubles the amplitude once the
	// filter settles.
	if ratio := boosted / baseline; math.Abs(ratio-2) > 0.2 {
		t.Fatalf("boost ratio = %v, want ~2", ratio)
	}
}

// countingTap counts observed frames.
type countingTap struct {
	frames int
}

func (c *countingTap) Observe(f *pcm.Frame) { c.frames++ }

func TestTapsObserveProcessedFrames(t *testing.T) {
	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, virtual.NewGenerator(virtual.Sine(440, 0.5)))
	backend.AddOutput(device.DefaultName, virtual.NewRecorder())

	tap := &countingTap{}
	cfg := Config{SampleRate: 48000, FrameSize: 256, Channels: 1}
	e, err := New(backend, cfg, testBank(t, 48000, nil), nil,
		WithLogger(quietLogger()), WithTap(tap))
	if err != nil {
		t.Fatal(err)
	}
	if err := runUntilFrames(t, e, 5); err != nil {
		t.Fatal(err)
	}
	if uint64(tap.frames) != e.FramesProcessed() {
		t.Fatalf("tap saw %d frames, engine processed %d", tap.frames, e.FramesProcessed())
	}
}

// bandEnergy sums |X[k]|^2 over bins covering [lowHz, highHz].
func bandEnergy(spectrum []complex128, sampleRate float64, lowHz, highHz float64) float64 {
	n := len(spectrum)
	lo := int(lowHz * float64(n) / sampleRate)
	hi := int(highHz * float64(n) / sampleRate)
	e := 0.0
	for k := lo; k <= hi; k++ {
		re, im := real(spectrum[k]), imag(spectrum[k])
		e += re*re + im*im
	}
	return e
}

func TestEndToEndSweepBoost(t *testing.T) {
	const (
		rate      = 44100
		frameSize = 1024
		sweepSec  = 0.5
		frames    = 24
		fftSize   = 32768
	)

	backend := virtual.NewBackend()
	backend.AddInput(device.DefaultName, virtual.NewGenerator(virtual.Sweep(100, 10000, sweepSec, 0.5)))
	rec := virtual.NewRecorder()
	backend.AddOutput(device.DefaultName, rec)

	bands := []eq.BandParameters{{Type: eq.Peaking, Freq: 1000, GainDB: 6, Q: 1}}
	cfg := Config{SampleRate: rate, FrameSize: frameSize, Channels: 1}
	e, err := New(backend, cfg, testBank(t, rate, bands), nil, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := runUntilFrames(t, e, frames); err != nil {
		t.Fatal(err)
	}

	got := rec.Samples(0)[:frames*frameSize]
	reference := make([]float64, frames*frameSize)
	virtual.Sweep(100, 10000, sweepSec, 0.5)(reference, rate, 0)

	plan, err := algofft.NewPlan64(fftSize)
	if err != nil {
		t.Fatal(err)
	}
	spectrumOf := func(signal []float64) []complex128 {
		in := make([]complex128, fftSize)
		for i := 0; i < len(signal) && i < fftSize; i++ {
			in[i] = complex(signal[i], 0)
		}
		out := make([]complex128, fftSize)
		if err := plan.Forward(out, in); err != nil {
			t.Fatal(err)
		}
		return out
	}

	outSpec := spectrumOf(got)
	refSpec := spectrumOf(reference)

	atPeak := 10 * math.Log10(bandEnergy(outSpec, rate, 950, 1050)/bandEnergy(refSpec, rate, 950, 1050))
	if math.Abs(atPeak-6) > 1 {
		t.Errorf("energy gain near 1 kHz = %.2f dB, want ~6", atPeak)
	}

	farField := 10 * math.Log10(bandEnergy(outSpec, rate, 3500, 4500)/bandEnergy(refSpec, rate, 3500, 4500))
	if math.Abs(farField) > 0.75 {
		t.Errorf("energy change at 3.5-4.5 kHz = %.2f dB, want ~0", farField)
	}
}
