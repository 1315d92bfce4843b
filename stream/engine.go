// Package stream owns the real-time capture/filter/playback loop. An
// Engine opens one input and one output endpoint, pumps frames through
// the equalizer bank at the device clock, and applies parameter updates
// from the control mailbox on frame boundaries only.
//
// Sessions move through Idle, Opening, Running, Draining, and Closed;
// a device failure from any active state lands in Error. An Engine runs
// exactly one session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cwbudde/algo-voiceeq/control"
	"github.com/cwbudde/algo-voiceeq/device"
	"github.com/cwbudde/algo-voiceeq/eq"
	"github.com/cwbudde/algo-voiceeq/pcm"
)

// ErrAlreadyRun reports a second Run call on the same Engine.
var ErrAlreadyRun = errors.New("stream: engine already run")

// DefaultGlitchTolerance is the number of consecutive underrun or
// overrun events survived before the session is terminated.
const DefaultGlitchTolerance = 3

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateOpening
	StateRunning
	StateDraining
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config describes a stream session.
type Config struct {
	InputName  string
	OutputName string
	SampleRate int
	FrameSize  int
	Channels   int

	// GlitchTolerance caps consecutive tolerated underruns/overruns;
	// zero means DefaultGlitchTolerance.
	GlitchTolerance int
}

func (c Config) deviceConfig() device.Config {
	return device.Config{SampleRate: c.SampleRate, FrameSize: c.FrameSize, Channels: c.Channels}
}

// Tap receives each frame after equalization, on the audio goroutine.
// Implementations must be fast and must not retain the frame.
type Tap interface {
	Observe(f *pcm.Frame)
}

// Engine runs one stream session.
type Engine struct {
	backend device.Backend
	cfg     Config
	bank    *eq.Bank
	mailbox *control.Mailbox

	log     *slog.Logger
	metrics *Metrics
	taps    []Tap

	state  atomic.Int32
	frames atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the instrument set; the default discards.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTap appends a post-equalizer frame tap.
func WithTap(t Tap) Option {
	return func(e *Engine) { e.taps = append(e.taps, t) }
}

// New validates cfg against bank and returns an idle engine. mailbox
// may be nil for sessions without live tuning.
func New(backend device.Backend, cfg Config, bank *eq.Bank, mailbox *control.Mailbox, opts ...Option) (*Engine, error) {
	if err := cfg.deviceConfig().Validate(); err != nil {
		return nil, err
	}
	if bank == nil {
		return nil, fmt.Errorf("%w: nil bank", eq.ErrInvalidParameter)
	}
	if bank.SampleRate() != cfg.SampleRate || bank.Channels() != cfg.Channels {
		return nil, fmt.Errorf("%w: bank format %d Hz/%d ch, session %d Hz/%d ch",
			eq.ErrInvalidParameter, bank.SampleRate(), bank.Channels(), cfg.SampleRate, cfg.Channels)
	}
	if cfg.GlitchTolerance == 0 {
		cfg.GlitchTolerance = DefaultGlitchTolerance
	}

	e := &Engine{
		backend: backend,
		cfg:     cfg,
		bank:    bank,
		mailbox: mailbox,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = nopMetrics()
	}
	return e, nil
}

// State returns the current session state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// FramesProcessed returns the number of frames that completed the full
// read/filter/write pass.
func (e *Engine) FramesProcessed() uint64 {
	return e.frames.Load()
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Run executes the session until ctx is cancelled or a device error
// terminates it. A cancelled context drains and returns nil; device
// failures return the underlying error after closing both endpoints.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateOpening)) {
		return ErrAlreadyRun
	}

	dcfg := e.cfg.deviceConfig()
	e.log.Info("opening stream session",
		"input", deviceLabel(e.cfg.InputName),
		"output", deviceLabel(e.cfg.OutputName),
		"sample_rate", e.cfg.SampleRate,
		"frame_size", e.cfg.FrameSize,
		"channels", e.cfg.Channels)

	in, err := e.backend.OpenInput(e.cfg.InputName, dcfg)
	if err != nil {
		e.setState(StateError)
		return fmt.Errorf("stream: open input: %w", err)
	}
	out, err := e.backend.OpenOutput(e.cfg.OutputName, dcfg)
	if err != nil {
		_ = in.Close()
		e.setState(StateError)
		return fmt.Errorf("stream: open output: %w", err)
	}

	e.setState(StateRunning)
	e.metrics.ActiveSessions.Add(ctx, 1)
	defer e.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	runErr := e.pump(ctx, in, out)

	if runErr != nil {
		e.setState(StateError)
		closeBoth(in, out)
		e.log.Error("stream session failed",
			"error", runErr, "frames", e.frames.Load())
		return fmt.Errorf("stream: session failed after %d frames: %w", e.frames.Load(), runErr)
	}

	e.setState(StateDraining)
	drainErr := drain(out)
	closeBoth(in, out)
	if drainErr != nil {
		e.setState(StateError)
		e.log.Error("stream drain failed",
			"error", drainErr, "frames", e.frames.Load())
		return fmt.Errorf("stream: drain: %w", drainErr)
	}
	e.setState(StateClosed)
	e.log.Info("stream session closed", "frames", e.frames.Load())
	return nil
}

// pump is the steady-state loop. It allocates one frame up front and
// reuses it for the whole session.
func (e *Engine) pump(ctx context.Context, in device.Input, out device.Output) error {
	frame := pcm.NewFrame(e.cfg.Channels, e.cfg.FrameSize, e.cfg.SampleRate)
	budget := e.cfg.deviceConfig().FramePeriod()
	glitches := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := time.Now()
		e.applyUpdates(ctx)

		if err := in.ReadFrame(frame); err != nil {
			if errors.Is(err, device.ErrUnderrun) {
				glitches++
				e.metrics.recordGlitch(ctx, "underrun")
				if glitches > e.cfg.GlitchTolerance {
					return err
				}
				e.log.Warn("capture underrun", "consecutive", glitches)
				continue
			}
			return err
		}

		e.bank.Apply(frame)

		if err := out.WriteFrame(frame); err != nil {
			if errors.Is(err, device.ErrOverrun) {
				glitches++
				e.metrics.recordGlitch(ctx, "overrun")
				if glitches > e.cfg.GlitchTolerance {
					return err
				}
				e.log.Warn("playback overrun", "consecutive", glitches)
				continue
			}
			return err
		}

		for _, t := range e.taps {
			t.Observe(frame)
		}

		glitches = 0
		e.frames.Add(1)
		e.metrics.FramesProcessed.Add(ctx, 1)

		elapsed := time.Since(start)
		e.metrics.FrameDuration.Record(ctx, elapsed.Seconds())
		if elapsed > budget {
			e.metrics.DeadlineMisses.Add(ctx, 1)
			e.log.Warn("frame over budget", "elapsed", elapsed, "budget", budget)
		}
	}
}

// applyUpdates drains the mailbox and applies each update before the
// next frame is read. Invalid updates are logged and skipped so a bad
// tuning command cannot take down a live session.
func (e *Engine) applyUpdates(ctx context.Context) {
	if e.mailbox == nil {
		return
	}
	for _, u := range e.mailbox.Poll() {
		if err := e.bank.SetParameters(u); err != nil {
			e.log.Warn("rejected parameter update", "band", u.Band, "error", err)
			continue
		}
		e.metrics.ParameterUpdates.Add(ctx, 1)
	}
}

// drain flushes frames the output still owes to the device, when the
// backend buffers any.
func drain(out device.Output) error {
	if d, ok := out.(interface{ Drain() error }); ok {
		return d.Drain()
	}
	return nil
}

func closeBoth(in device.Input, out device.Output) {
	_ = in.Close()
	_ = out.Close()
}

func deviceLabel(name string) string {
	if name == device.DefaultName {
		return "(default)"
	}
	return name
}
