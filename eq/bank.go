package eq

import (
	"fmt"
	"sync/atomic"

	"github.com/cwbudde/algo-voiceeq/dsp/biquad"
	"github.com/cwbudde/algo-voiceeq/pcm"
)

// DefaultGateThresholdDB is the noise-gate level used by WithGate when
// the voice chain is active.
const DefaultGateThresholdDB = -45

// Bank compiles an ordered band list into one biquad cascade per
// channel and applies it frame by frame.
type Bank struct {
	sampleRate int
	channels   int

	bands  []BandParameters
	layout []int // sections per band, same order as bands
	chains []*biquad.Chain

	gateLinear float64 // RMS threshold, 0 disables the gate

	// snapshot mirrors bands for lock-free cross-context reads.
	snapshot atomic.Pointer[[]BandParameters]
}

type bankConfig struct {
	gateDB  float64
	gateSet bool
}

// Option configures a Bank.
type Option func(*bankConfig)

// WithGate enables the post-filter noise gate: frames whose RMS falls
// below thresholdDB (dBFS) are zeroed.
func WithGate(thresholdDB float64) Option {
	return func(cfg *bankConfig) {
		cfg.gateDB = thresholdDB
		cfg.gateSet = true
	}
}

// NewBank creates a filter bank for the given stream format. All bands
// are validated against the sample rate before any filter is built.
func NewBank(sampleRate, channels int, bands []BandParameters, opts ...Option) (*Bank, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidParameter, sampleRate)
	}

	if channels <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrInvalidParameter, channels)
	}

	cfg := bankConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	b := &Bank{
		sampleRate: sampleRate,
		channels:   channels,
	}
	if cfg.gateSet {
		b.gateLinear = pcm.DBToLinear(cfg.gateDB)
	}

	if err := b.rebuild(bands); err != nil {
		return nil, err
	}

	return b, nil
}

// rebuild validates bands and replaces the full cascade. Existing state
// is kept positionally when the total section count is unchanged.
func (b *Bank) rebuild(bands []BandParameters) error {
	layout := make([]int, len(bands))
	total := 0

	for i, band := range bands {
		if err := band.Validate(b.sampleRate); err != nil {
			return fmt.Errorf("band %d: %w", i, err)
		}

		layout[i] = band.numSections()
		total += layout[i]
	}

	coeffs := make([]biquad.Coefficients, 0, total)
	for _, band := range bands {
		coeffs = append(coeffs, band.coefficients(float64(b.sampleRate))...)
	}

	if b.chains == nil {
		b.chains = make([]*biquad.Chain, b.channels)
		for c := range b.chains {
			b.chains[c] = biquad.NewChain(coeffs)
		}
	} else {
		for _, chain := range b.chains {
			chain.UpdateCoefficients(coeffs)
		}
	}

	b.bands = append(b.bands[:0], bands...)
	b.layout = layout
	b.publishSnapshot()

	return nil
}

func (b *Bank) publishSnapshot() {
	snap := append([]BandParameters(nil), b.bands...)
	b.snapshot.Store(&snap)
}

// Apply filters one frame in place. The frame's channel count must
// match the bank's. Zero-alloc.
func (b *Bank) Apply(frame *pcm.Frame) {
	for c, plane := range frame.Data {
		b.chains[c].ProcessBlock(plane)
	}

	if b.gateLinear > 0 {
		for _, plane := range frame.Data {
			if pcm.RMS(plane) < b.gateLinear {
				pcm.Zero(plane)
			}
		}
	}
}

// SetParameters applies one control-channel update. Single-band updates
// that keep the band's section count swap coefficients in place,
// preserving delay-line state; structural changes rebuild the cascade.
// The update takes effect for the next Apply call.
func (b *Bank) SetParameters(u ParameterUpdate) error {
	if u.Band == AllBands {
		return b.rebuild(u.All)
	}

	if u.Band < 0 || u.Band >= len(b.bands) {
		return fmt.Errorf("%w: band index %d out of range [0, %d)", ErrInvalidParameter, u.Band, len(b.bands))
	}

	if err := u.Params.Validate(b.sampleRate); err != nil {
		return fmt.Errorf("band %d: %w", u.Band, err)
	}

	if u.Params.numSections() != b.layout[u.Band] {
		bands := append([]BandParameters(nil), b.bands...)
		bands[u.Band] = u.Params

		return b.rebuild(bands)
	}

	offset := 0
	for i := 0; i < u.Band; i++ {
		offset += b.layout[i]
	}

	coeffs := u.Params.coefficients(float64(b.sampleRate))
	for _, chain := range b.chains {
		for i, c := range coeffs {
			chain.UpdateSection(offset+i, c)
		}
	}

	b.bands[u.Band] = u.Params
	b.publishSnapshot()

	return nil
}

// Snapshot returns a copy of the current band list. Safe to call from
// any goroutine; used by tuning UIs for display.
func (b *Bank) Snapshot() []BandParameters {
	snap := b.snapshot.Load()
	if snap == nil {
		return nil
	}

	return append([]BandParameters(nil), *snap...)
}

// Reset clears all filter history. Call when a new stream session
// starts; never during a running session.
func (b *Bank) Reset() {
	for _, chain := range b.chains {
		chain.Reset()
	}
}

// NumBands returns the number of configured bands.
func (b *Bank) NumBands() int { return len(b.bands) }

// SampleRate returns the sample rate the filters were designed for.
func (b *Bank) SampleRate() int { return b.sampleRate }

// Channels returns the number of channels the bank processes.
func (b *Bank) Channels() int { return b.channels }

// MagnitudeDB returns the combined magnitude response of all bands at
// the given frequency, in dB.
func (b *Bank) MagnitudeDB(freqHz float64) float64 {
	if len(b.chains) == 0 {
		return 0
	}

	return b.chains[0].MagnitudeDB(freqHz, float64(b.sampleRate))
}
