// Package miniaudio implements the device backend on top of the
// miniaudio library via github.com/gen2brain/malgo. Samples cross the
// cgo boundary as interleaved 32-bit floats and are converted to the
// pipeline's planar float64 frames on this side.
//
// The process-wide miniaudio context is reference counted: it is
// created when the first endpoint opens and destroyed when the last
// endpoint closes.
package miniaudio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/gen2brain/malgo"

	"github.com/cwbudde/algo-voiceeq/device"
	"github.com/cwbudde/algo-voiceeq/pcm"
)

// queueFrames bounds the hand-off between the miniaudio callback and
// the frame loop. Deep enough to ride out scheduling jitter, shallow
// enough to keep added latency at a few frame periods.
const queueFrames = 8

var (
	ctxMu   sync.Mutex
	ctxRefs int
	ctx     *ma.AllocatedContext
)

func acquireContext() (*ma.AllocatedContext, error) {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	if ctxRefs == 0 {
		c, err := ma.InitContext(nil, ma.ContextConfig{}, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: init context: %v", device.ErrUnavailable, err)
		}
		ctx = c
	}
	ctxRefs++
	return ctx, nil
}

func releaseContext() {
	ctxMu.Lock()
	defer ctxMu.Unlock()
	ctxRefs--
	if ctxRefs == 0 {
		_ = ctx.Uninit()
		ctx.Free()
		ctx = nil
	}
}

// Backend opens capture and playback endpoints on the host's audio
// devices.
type Backend struct{}

// New returns the miniaudio backend.
func New() *Backend {
	return &Backend{}
}

// Devices implements device.Enumerator.
func (b *Backend) Devices(dir device.Direction) ([]device.Info, error) {
	c, err := acquireContext()
	if err != nil {
		return nil, err
	}
	defer releaseContext()

	kind := ma.Capture
	if dir == device.Playback {
		kind = ma.Playback
	}
	infos, err := c.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate: %v", device.ErrUnavailable, err)
	}

	out := make([]device.Info, 0, len(infos))
	for _, info := range infos {
		out = append(out, device.Info{Name: info.Name(), IsDefault: info.IsDefault != 0})
	}
	return out, nil
}

func deviceConfig(c *ma.AllocatedContext, dir device.Direction, name string, cfg device.Config) (ma.DeviceConfig, error) {
	kind := ma.Capture
	if dir == device.Playback {
		kind = ma.Playback
	}

	dc := ma.DefaultDeviceConfig(kind)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.FrameSize)

	sub := &dc.Capture
	if dir == device.Playback {
		sub = &dc.Playback
	}
	sub.Format = ma.FormatF32
	sub.Channels = uint32(cfg.Channels)

	if name != device.DefaultName {
		infos, err := c.Devices(kind)
		if err != nil {
			return dc, fmt.Errorf("%w: enumerate: %v", device.ErrUnavailable, err)
		}
		found := false
		for _, info := range infos {
			if info.Name() == name {
				id := info.ID
				sub.DeviceID = id.Pointer()
				found = true
				break
			}
		}
		if !found {
			return dc, fmt.Errorf("%w: %s device %q", device.ErrUnavailable, dir, name)
		}
	}
	return dc, nil
}

// OpenInput implements device.Backend.
func (b *Backend) OpenInput(name string, cfg device.Config) (device.Input, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := acquireContext()
	if err != nil {
		return nil, err
	}

	dc, err := deviceConfig(c, device.Capture, name, cfg)
	if err != nil {
		releaseContext()
		return nil, err
	}

	in := &input{
		cfg:    cfg,
		blocks: make(chan []float64, queueFrames),
		done:   make(chan struct{}),
	}
	dev, err := ma.InitDevice(c.Context, dc, ma.DeviceCallbacks{
		Data: in.onData,
		Stop: in.onStop,
	})
	if err != nil {
		releaseContext()
		return nil, fmt.Errorf("%w: open capture: %v", device.ErrUnsupportedFormat, err)
	}
	in.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		releaseContext()
		return nil, fmt.Errorf("%w: start capture: %v", device.ErrUnavailable, err)
	}
	return in, nil
}

// OpenOutput implements device.Backend.
func (b *Backend) OpenOutput(name string, cfg device.Config) (device.Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := acquireContext()
	if err != nil {
		return nil, err
	}

	dc, err := deviceConfig(c, device.Playback, name, cfg)
	if err != nil {
		releaseContext()
		return nil, err
	}

	out := &output{
		cfg:    cfg,
		blocks: make(chan []float64, queueFrames),
		done:   make(chan struct{}),
	}
	dev, err := ma.InitDevice(c.Context, dc, ma.DeviceCallbacks{
		Data: out.onData,
		Stop: out.onStop,
	})
	if err != nil {
		releaseContext()
		return nil, fmt.Errorf("%w: open playback: %v", device.ErrUnsupportedFormat, err)
	}
	out.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		releaseContext()
		return nil, fmt.Errorf("%w: start playback: %v", device.ErrUnavailable, err)
	}
	return out, nil
}

// input is a running capture device. The miniaudio callback pushes
// interleaved blocks into a bounded queue; ReadFrame drains it.
type input struct {
	cfg      device.Config
	dev      *ma.Device
	blocks   chan []float64
	pending  []float64
	index    uint64
	done     chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
	dropped  atomic.Uint64
}

func (in *input) onData(_, raw []byte, frameCount uint32) {
	block := bytesToSamples(raw, int(frameCount)*in.cfg.Channels)
	select {
	case in.blocks <- block:
	default:
		// Queue full: the reader fell behind. Drop the oldest block so
		// capture stays close to live.
		in.dropped.Add(1)
		select {
		case <-in.blocks:
		default:
		}
		select {
		case in.blocks <- block:
		default:
		}
	}
}

func (in *input) onStop() {
	in.stopOnce.Do(func() { close(in.done) })
}

// Dropped returns the number of capture blocks discarded because the
// reader was late.
func (in *input) Dropped() uint64 {
	return in.dropped.Load()
}

// ReadFrame implements device.Input.
func (in *input) ReadFrame(f *pcm.Frame) error {
	if in.closed.Load() {
		return device.ErrClosed
	}
	if f.Channels() != in.cfg.Channels || f.Len() != in.cfg.FrameSize {
		return fmt.Errorf("%w: frame shape %dx%d", device.ErrUnsupportedFormat, f.Channels(), f.Len())
	}

	need := in.cfg.FrameSize * in.cfg.Channels
	timeout := time.NewTimer(8 * in.cfg.FramePeriod())
	defer timeout.Stop()

	for len(in.pending) < need {
		select {
		case block := <-in.blocks:
			in.pending = append(in.pending, block...)
		case <-in.done:
			return device.ErrDisconnected
		case <-timeout.C:
			return device.ErrUnderrun
		}
	}

	deinterleave(f, in.pending[:need])
	in.pending = in.pending[:copy(in.pending, in.pending[need:])]
	f.Index = in.index
	in.index++

	return nil
}

// Close implements device.Input.
func (in *input) Close() error {
	if in.closed.Swap(true) {
		return nil
	}
	_ = in.dev.Stop()
	in.dev.Uninit()
	in.onStop()
	releaseContext()
	return nil
}

// output is a running playback device. WriteFrame queues interleaved
// blocks; the miniaudio callback drains them at the device clock,
// substituting silence when the queue runs dry.
type output struct {
	cfg       device.Config
	dev       *ma.Device
	blocks    chan []float64
	pending   []float64
	done      chan struct{}
	stopOnce  sync.Once
	closed    atomic.Bool
	underruns atomic.Uint64
}

func (out *output) onData(raw []byte, _ []byte, frameCount uint32) {
	need := int(frameCount) * out.cfg.Channels
	for len(out.pending) < need {
		select {
		case block := <-out.blocks:
			out.pending = append(out.pending, block...)
		default:
			out.underruns.Add(1)
			samplesToBytes(raw, out.pending)
			zeroBytes(raw[4*len(out.pending):])
			out.pending = out.pending[:0]
			return
		}
	}
	samplesToBytes(raw, out.pending[:need])
	out.pending = out.pending[:copy(out.pending, out.pending[need:])]
}

func (out *output) onStop() {
	out.stopOnce.Do(func() { close(out.done) })
}

// Underruns returns the number of callbacks padded with silence.
func (out *output) Underruns() uint64 {
	return out.underruns.Load()
}

// WriteFrame implements device.Output. It blocks while the queue is
// full, pacing the caller to the device clock.
func (out *output) WriteFrame(f *pcm.Frame) error {
	if out.closed.Load() {
		return device.ErrClosed
	}
	if f.Channels() != out.cfg.Channels || f.Len() != out.cfg.FrameSize {
		return fmt.Errorf("%w: frame shape %dx%d", device.ErrUnsupportedFormat, f.Channels(), f.Len())
	}

	block := interleave(f)
	timeout := time.NewTimer(time.Duration(2*queueFrames) * out.cfg.FramePeriod())
	defer timeout.Stop()

	select {
	case out.blocks <- block:
		return nil
	case <-out.done:
		return device.ErrDisconnected
	case <-timeout.C:
		return device.ErrOverrun
	}
}

// Drain blocks until the playback queue has been consumed by the
// device, or until the device stops or the wait times out.
func (out *output) Drain() error {
	deadline := time.After(time.Duration(2*queueFrames) * out.cfg.FramePeriod())
	tick := time.NewTicker(out.cfg.FramePeriod())
	defer tick.Stop()

	for len(out.blocks) > 0 {
		select {
		case <-out.done:
			return device.ErrDisconnected
		case <-deadline:
			return device.ErrOverrun
		case <-tick.C:
		}
	}
	return nil
}

// Close implements device.Output.
func (out *output) Close() error {
	if out.closed.Swap(true) {
		return nil
	}
	_ = out.dev.Stop()
	out.dev.Uninit()
	out.onStop()
	releaseContext()
	return nil
}

func bytesToSamples(raw []byte, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[4*i:])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out
}

func samplesToBytes(raw []byte, samples []float64) {
	for i, v := range samples {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(v)))
	}
}

func zeroBytes(raw []byte) {
	for i := range raw {
		raw[i] = 0
	}
}

func interleave(f *pcm.Frame) []float64 {
	channels := f.Channels()
	out := make([]float64, channels*f.Len())
	for ch := 0; ch < channels; ch++ {
		plane := f.Data[ch]
		for i, v := range plane {
			out[i*channels+ch] = v
		}
	}
	return out
}

func deinterleave(f *pcm.Frame, in []float64) {
	channels := f.Channels()
	for ch := 0; ch < channels; ch++ {
		plane := f.Data[ch]
		for i := range plane {
			plane[i] = in[i*channels+ch]
		}
	}
}
