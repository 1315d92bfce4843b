package eq

import (
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/algo-voiceeq/internal/testutil"
	"github.com/cwbudde/algo-voiceeq/pcm"
)

func sineFrame(freqHz float64, sampleRate, length int) *pcm.Frame {
	f := pcm.NewFrame(1, length, sampleRate)
	copy(f.Data[0], testutil.DeterministicSine(freqHz, float64(sampleRate), 0.5, length))

	return f
}

func TestNewBankValidatesBands(t *testing.T) {
	_, err := NewBank(16000, 1, []BandParameters{{Freq: -100, GainDB: 6, Q: 1}})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}

	_, err = NewBank(16000, 1, []BandParameters{{Freq: 1000, GainDB: 6, Q: 0}})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Q=0: err = %v, want ErrInvalidParameter", err)
	}

	_, err = NewBank(16000, 1, []BandParameters{{Freq: 9000, GainDB: 6, Q: 1}})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("above nyquist: err = %v, want ErrInvalidParameter", err)
	}
}

func TestZeroGainBandIsNoOp(t *testing.T) {
	bank, err := NewBank(44100, 1, []BandParameters{
		{Type: Peaking, Freq: 1000, GainDB: 0, Q: 1},
		{Type: LowShelf, Freq: 120, GainDB: 0, Q: 0.707},
	})
	if err != nil {
		t.Fatal(err)
	}

	frame := sineFrame(440, 44100, 1024)
	want := append([]float64(nil), frame.Data[0]...)

	bank.Apply(frame)

	testutil.RequireSliceNearlyEqual(t, frame.Data[0], want, 1e-12)

	// Holds for arbitrary material, not just tones.
	noisy := pcm.NewFrame(1, 1024, 44100)
	copy(noisy.Data[0], testutil.DeterministicNoise(7, 0.8, 1024))
	want = append(want[:0], noisy.Data[0]...)
	bank.Apply(noisy)
	testutil.RequireSliceNearlyEqual(t, noisy.Data[0], want, 1e-12)
}

func TestDeterminism(t *testing.T) {
	bands := VoiceBands()

	mk := func() *Bank {
		b, err := NewBank(48000, 1, bands)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	a, b := mk(), mk()

	updates := []ParameterUpdate{
		UpdateBand(3, BandParameters{Name: "presence", Type: Peaking, Freq: 2500, GainDB: 5, Q: 2}),
		UpdateBand(2, BandParameters{Name: "bass", Type: LowShelf, Freq: 150, GainDB: 4, Q: 0.707}),
	}

	for block := 0; block < 8; block++ {
		fa := sineFrame(300+40*float64(block), 48000, 512)
		fb := fa.Clone()

		a.Apply(fa)
		b.Apply(fb)

		for i := range fa.Data[0] {
			if fa.Data[0][i] != fb.Data[0][i] {
				t.Fatalf("block %d sample %d: %v != %v", block, i, fa.Data[0][i], fb.Data[0][i])
			}
		}

		if block == 3 {
			for _, u := range updates {
				if err := a.SetParameters(u); err != nil {
					t.Fatal(err)
				}
				if err := b.SetParameters(u); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
}

func TestSetParametersPreservesHistory(t *testing.T) {
	bank, err := NewBank(44100, 1, []BandParameters{{Freq: 1000, GainDB: 6, Q: 1}})
	if err != nil {
		t.Fatal(err)
	}

	// Prime the filter history with a loud block, then lower the gain
	// and verify there is no discontinuity jump at the block boundary.
	prime := sineFrame(1000, 44100, 1024)
	bank.Apply(prime)
	last := prime.Data[0][1023]

	if err := bank.SetParameters(UpdateBand(0, BandParameters{Freq: 1000, GainDB: 5.5, Q: 1})); err != nil {
		t.Fatal(err)
	}

	next := pcm.NewFrame(1, 1024, 44100)
	s := testutil.DeterministicSine(1000, 44100, 0.5, 2048)
	copy(next.Data[0], s[1024:])
	bank.Apply(next)

	// A state reset would restart the recursion and produce a visible
	// step; a preserved state stays within the signal envelope.
	step := math.Abs(next.Data[0][0] - last)
	if step > 0.2 {
		t.Fatalf("discontinuity %v across parameter update", step)
	}
}

func TestSetParametersBandIndexOutOfRange(t *testing.T) {
	bank, err := NewBank(44100, 1, VoiceBands()[:2])
	if err != nil {
		t.Fatal(err)
	}

	err = bank.SetParameters(UpdateBand(5, BandParameters{Freq: 1000, GainDB: 1, Q: 1}))
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}
}

func TestUpdateAllChangesBandCount(t *testing.T) {
	bank, err := NewBank(48000, 1, VoiceBands())
	if err != nil {
		t.Fatal(err)
	}

	if err := bank.SetParameters(UpdateAll(nil)); err != nil {
		t.Fatal(err)
	}
	if bank.NumBands() != 0 {
		t.Fatalf("bands = %d, want 0", bank.NumBands())
	}

	// An empty bank passes audio through untouched.
	frame := sineFrame(440, 48000, 256)
	want := append([]float64(nil), frame.Data[0]...)
	bank.Apply(frame)
	testutil.RequireSliceNearlyEqual(t, frame.Data[0], want, 0)
}

func TestSnapshotReflectsUpdates(t *testing.T) {
	bank, err := NewBank(48000, 1, VoiceBands())
	if err != nil {
		t.Fatal(err)
	}

	p := BandParameters{Name: "presence", Type: Peaking, Freq: 2000, GainDB: 1, Q: 3}
	if err := bank.SetParameters(UpdateBand(3, p)); err != nil {
		t.Fatal(err)
	}

	snap := bank.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("snapshot length = %d, want 5", len(snap))
	}
	if snap[3] != p {
		t.Fatalf("snapshot[3] = %+v, want %+v", snap[3], p)
	}

	// The snapshot is a copy; mutating it must not affect the bank.
	snap[3].GainDB = 99
	if bank.Snapshot()[3].GainDB != 1 {
		t.Fatalf("snapshot aliases bank state")
	}
}

func TestGateZeroesQuietFrames(t *testing.T) {
	bank, err := NewBank(44100, 1, nil, WithGate(DefaultGateThresholdDB))
	if err != nil {
		t.Fatal(err)
	}

	quiet := pcm.NewFrame(1, 256, 44100)
	for i := range quiet.Data[0] {
		quiet.Data[0][i] = 1e-4 // about -80 dBFS
	}
	bank.Apply(quiet)
	for i, v := range quiet.Data[0] {
		if v != 0 {
			t.Fatalf("sample %d = %v, want gated to 0", i, v)
		}
	}

	loud := sineFrame(440, 44100, 256)
	bank.Apply(loud)
	if pcm.RMS(loud.Data[0]) == 0 {
		t.Fatalf("loud frame was gated")
	}
}

func TestVoiceBandsShapeResponse(t *testing.T) {
	bank, err := NewBank(48000, 1, VoiceBands())
	if err != nil {
		t.Fatal(err)
	}

	if got := bank.MagnitudeDB(20); got > -20 {
		t.Errorf("rumble response at 20 Hz = %v dB, want strong cut", got)
	}
	if got := bank.MagnitudeDB(60); got > -30 {
		t.Errorf("hum response at 60 Hz = %v dB, want notch", got)
	}
	if got := bank.MagnitudeDB(3000); math.Abs(got-3) > 0.5 {
		t.Errorf("presence response at 3 kHz = %v dB, want ~+3", got)
	}
	if got := bank.MagnitudeDB(20000); got > -20 {
		t.Errorf("hiss response at 20 kHz = %v dB, want strong cut", got)
	}
}

func TestStereoChannelsFilterIndependently(t *testing.T) {
	bank, err := NewBank(44100, 2, []BandParameters{{Freq: 1000, GainDB: 6, Q: 1}})
	if err != nil {
		t.Fatal(err)
	}

	frame := pcm.NewFrame(2, 512, 44100)
	copy(frame.Data[0], testutil.DeterministicSine(1000, 44100, 0.5, 512))
	// Right channel silent: must stay silent, unaffected by left history.
	bank.Apply(frame)

	if pcm.RMS(frame.Data[0]) == 0 {
		t.Fatalf("left channel lost signal")
	}
	for i, v := range frame.Data[1] {
		if v != 0 {
			t.Fatalf("right channel sample %d = %v, want 0", i, v)
		}
	}
}
