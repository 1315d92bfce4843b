package eq

import (
	"errors"
	"fmt"
	"math"

	"github.com/cwbudde/algo-voiceeq/dsp/biquad"
	"github.com/cwbudde/algo-voiceeq/dsp/design"
)

// ErrInvalidParameter reports band parameters outside the valid domain
// (non-positive frequency, frequency at or above Nyquist, Q <= 0,
// non-finite gain, unknown filter type).
var ErrInvalidParameter = errors.New("eq: invalid band parameters")

// FilterType selects the response shape of one band.
type FilterType string

const (
	Peaking   FilterType = "peaking"
	LowShelf  FilterType = "lowshelf"
	HighShelf FilterType = "highshelf"
	Lowpass   FilterType = "lowpass"
	Highpass  FilterType = "highpass"
	Notch     FilterType = "notch"
)

// IsValid reports whether t is a recognised filter type. The empty
// string is accepted and treated as Peaking for compatibility with
// presets written before the type field existed.
func (t FilterType) IsValid() bool {
	switch t {
	case "", Peaking, LowShelf, HighShelf, Lowpass, Highpass, Notch:
		return true
	}

	return false
}

// maxOrder bounds pass-band filter order; above 8 the cascade gains
// nothing audible for voice material.
const maxOrder = 8

// BandParameters describes one equalizer band. The JSON field names
// match the preset files written by earlier versions of the tool.
type BandParameters struct {
	// Name is an optional label ("s", "hum", ...) carried for display.
	Name string `json:"name,omitempty"`

	// Type selects the response shape; empty means peaking.
	Type FilterType `json:"type,omitempty"`

	// Freq is the center (peaking/notch) or corner (shelf/pass)
	// frequency in Hz.
	Freq float64 `json:"freq"`

	// GainDB is the band gain in dB. Ignored by pass and notch types.
	GainDB float64 `json:"gain_db"`

	// Q is the quality factor (bandwidth = Freq/Q for peaking bands).
	Q float64 `json:"Q"`

	// Order is the filter order for lowpass/highpass bands; 0 means 2.
	Order int `json:"order,omitempty"`
}

// kind returns the effective filter type with the empty-string default
// resolved.
func (b BandParameters) kind() FilterType {
	if b.Type == "" {
		return Peaking
	}

	return b.Type
}

// Validate checks the parameters against the given sample rate.
func (b BandParameters) Validate(sampleRate int) error {
	if !b.Type.IsValid() {
		return fmt.Errorf("%w: unknown filter type %q", ErrInvalidParameter, b.Type)
	}

	nyquist := float64(sampleRate) / 2
	if b.Freq <= 0 || b.Freq >= nyquist || math.IsNaN(b.Freq) || math.IsInf(b.Freq, 0) {
		return fmt.Errorf("%w: frequency %v Hz outside (0, %v)", ErrInvalidParameter, b.Freq, nyquist)
	}

	if b.Q <= 0 || math.IsNaN(b.Q) || math.IsInf(b.Q, 0) {
		return fmt.Errorf("%w: Q %v must be > 0", ErrInvalidParameter, b.Q)
	}

	if math.IsNaN(b.GainDB) || math.IsInf(b.GainDB, 0) {
		return fmt.Errorf("%w: gain %v dB not finite", ErrInvalidParameter, b.GainDB)
	}

	if b.Order < 0 || b.Order > maxOrder {
		return fmt.Errorf("%w: order %d outside [0, %d]", ErrInvalidParameter, b.Order, maxOrder)
	}

	return nil
}

// numSections returns how many biquad sections the band compiles to.
func (b BandParameters) numSections() int {
	switch b.kind() {
	case Lowpass, Highpass:
		order := b.Order
		if order == 0 {
			order = 2
		}

		return (order + 1) / 2
	default:
		return 1
	}
}

// coefficients compiles the band into its biquad sections.
func (b BandParameters) coefficients(sampleRate float64) []biquad.Coefficients {
	switch b.kind() {
	case LowShelf:
		return []biquad.Coefficients{design.LowShelf(b.Freq, b.GainDB, b.Q, sampleRate)}
	case HighShelf:
		return []biquad.Coefficients{design.HighShelf(b.Freq, b.GainDB, b.Q, sampleRate)}
	case Notch:
		return []biquad.Coefficients{design.Notch(b.Freq, b.Q, sampleRate)}
	case Lowpass:
		order := b.Order
		if order == 0 {
			return []biquad.Coefficients{design.Lowpass(b.Freq, b.Q, sampleRate)}
		}

		return design.ButterworthLP(b.Freq, order, sampleRate)
	case Highpass:
		order := b.Order
		if order == 0 {
			return []biquad.Coefficients{design.Highpass(b.Freq, b.Q, sampleRate)}
		}

		return design.ButterworthHP(b.Freq, order, sampleRate)
	default:
		return []biquad.Coefficients{design.Peaking(b.Freq, b.GainDB, b.Q, sampleRate)}
	}
}

// AllBands addresses every band at once in a ParameterUpdate.
const AllBands = -1

// ParameterUpdate is one message on the control channel: either a
// replacement for a single band (Band >= 0) or a full new band list
// (Band == AllBands).
type ParameterUpdate struct {
	Band   int
	Params BandParameters
	All    []BandParameters
}

// UpdateBand builds a single-band update.
func UpdateBand(index int, p BandParameters) ParameterUpdate {
	return ParameterUpdate{Band: index, Params: p}
}

// UpdateAll builds a full-bank replacement update.
func UpdateAll(bands []BandParameters) ParameterUpdate {
	return ParameterUpdate{Band: AllBands, All: bands}
}

// VoiceBands returns the default voice-equalization chain: a rumble
// highpass, a mains-hum notch, a bass lift, a presence peak, and a
// hiss lowpass.
func VoiceBands() []BandParameters {
	return []BandParameters{
		{Name: "rumble", Type: Highpass, Freq: 80, Q: design.DefaultQ, Order: 2},
		{Name: "hum", Type: Notch, Freq: 60, Q: 30},
		{Name: "bass", Type: LowShelf, Freq: 120, GainDB: 6, Q: design.DefaultQ},
		{Name: "presence", Type: Peaking, Freq: 3000, GainDB: 3, Q: 1},
		{Name: "hiss", Type: Lowpass, Freq: 9000, Q: design.DefaultQ, Order: 4},
	}
}
