// Package device abstracts audio capture and playback endpoints behind
// frame-oriented interfaces. Backends negotiate the requested format on
// open and reject what the hardware cannot honor instead of resampling
// behind the caller's back.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/cwbudde/algo-voiceeq/pcm"
)

// Errors surfaced by device backends.
var (
	ErrUnavailable       = errors.New("device: unavailable")
	ErrUnsupportedFormat = errors.New("device: unsupported format")
	ErrDisconnected      = errors.New("device: disconnected")
	ErrUnderrun          = errors.New("device: underrun")
	ErrOverrun           = errors.New("device: overrun")
	ErrClosed            = errors.New("device: closed")
)

// DefaultName selects the backend's default device when passed as a
// device name.
const DefaultName = ""

// Direction distinguishes capture from playback endpoints.
type Direction int

const (
	Capture Direction = iota
	Playback
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Config is the stream format requested from a device.
type Config struct {
	SampleRate int
	FrameSize  int
	Channels   int
}

// Validate reports whether the configuration is usable at all,
// independent of any particular device's capabilities.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, c.SampleRate)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("%w: frame size %d", ErrUnsupportedFormat, c.FrameSize)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("%w: channels %d", ErrUnsupportedFormat, c.Channels)
	}
	return nil
}

// FramePeriod returns the real-time budget for one frame.
func (c Config) FramePeriod() time.Duration {
	return time.Duration(float64(c.FrameSize) / float64(c.SampleRate) * float64(time.Second))
}

// Input is an opened capture endpoint. ReadFrame fills f, which must be
// shaped to the negotiated channel count and frame size, and blocks
// until a full frame is available.
type Input interface {
	ReadFrame(f *pcm.Frame) error
	Close() error
}

// Output is an opened playback endpoint. WriteFrame queues f for
// playback and may block to pace the caller to the device clock.
type Output interface {
	WriteFrame(f *pcm.Frame) error
	Close() error
}

// Backend opens endpoints. Implementations own any process-wide audio
// library state: it is initialized on the first open and torn down when
// the last endpoint closes.
type Backend interface {
	OpenInput(name string, cfg Config) (Input, error)
	OpenOutput(name string, cfg Config) (Output, error)
}

// Info describes an enumerable device.
type Info struct {
	Name      string
	IsDefault bool
}

// Enumerator lists the devices a backend can open.
type Enumerator interface {
	Devices(dir Direction) ([]Info, error)
}
