// Package tuner implements interactive equalizer tuning: it records a
// short capture from the input device, detects the dominant frequency,
// and lets the user shape bands around it, pushing every edit to a live
// session and saving the result as a preset.
package tuner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"

	algofft "github.com/cwbudde/algo-fft"
	"github.com/cwbudde/algo-vecmath"

	"github.com/cwbudde/algo-voiceeq/control"
	"github.com/cwbudde/algo-voiceeq/device"
	"github.com/cwbudde/algo-voiceeq/dsp/window"
	"github.com/cwbudde/algo-voiceeq/eq"
	"github.com/cwbudde/algo-voiceeq/pcm"
	"github.com/cwbudde/algo-voiceeq/preset"
)

// Defaults for bands created from a detected frequency.
const (
	DefaultRecordSeconds = 2.0
	DefaultGainDB        = 6.0
	DefaultQ             = 4.0
)

// magnitudeFloor is the minimum spectral magnitude accepted as a real
// peak; captures quieter than this report no dominant frequency.
const magnitudeFloor = 1e-4

// DominantFrequency returns the strongest frequency component of
// signal, or ok=false when no bin rises above the magnitude floor.
func DominantFrequency(signal []float64, sampleRate int) (freq float64, ok bool, err error) {
	if len(signal) == 0 || sampleRate <= 0 {
		return 0, false, nil
	}

	n := nextPow2(len(signal))
	plan, err := algofft.NewPlan64(n)
	if err != nil {
		return 0, false, fmt.Errorf("tuner: fft plan: %w", err)
	}

	windowed := make([]float64, len(signal))
	copy(windowed, signal)
	window.Apply(windowed, window.Hann(len(signal)))

	in := make([]complex128, n)
	for i, v := range windowed {
		in[i] = complex(v, 0)
	}
	out := make([]complex128, n)
	if err := plan.Forward(out, in); err != nil {
		return 0, false, fmt.Errorf("tuner: fft: %w", err)
	}

	half := n/2 + 1
	re := make([]float64, half)
	im := make([]float64, half)
	for k := 0; k < half; k++ {
		re[k] = real(out[k])
		im[k] = imag(out[k])
	}
	mag := make([]float64, half)
	vecmath.Magnitude(mag, re, im)

	// Normalize so the floor is independent of capture length.
	scale := 2 / float64(len(signal))
	best, bestMag := 0, 0.0
	for k := 1; k < half; k++ {
		if m := mag[k] * scale; m > bestMag {
			best, bestMag = k, m
		}
	}
	if bestMag < magnitudeFloor {
		return 0, false, nil
	}
	return float64(best) * float64(sampleRate) / float64(n), true, nil
}

// Config describes how tuning captures are recorded.
type Config struct {
	InputName     string
	SampleRate    int
	FrameSize     int
	RecordSeconds float64
}

// Session drives one interactive tuning run. It owns a working copy of
// the band set; edits are pushed to the mailbox (when attached) so a
// concurrent stream session hears them immediately.
type Session struct {
	cfg     Config
	backend device.Backend
	store   *preset.Store
	mailbox *control.Mailbox
	log     *slog.Logger

	bands    []eq.BandParameters
	lastFreq float64
	hasFreq  bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// NewSession returns a tuning session starting from bands. mailbox may
// be nil for offline tuning.
func NewSession(backend device.Backend, cfg Config, store *preset.Store, mailbox *control.Mailbox, bands []eq.BandParameters, opts ...Option) (*Session, error) {
	if cfg.RecordSeconds <= 0 {
		cfg.RecordSeconds = DefaultRecordSeconds
	}
	dcfg := device.Config{SampleRate: cfg.SampleRate, FrameSize: cfg.FrameSize, Channels: 1}
	if err := dcfg.Validate(); err != nil {
		return nil, err
	}
	for i := range bands {
		if err := bands[i].Validate(cfg.SampleRate); err != nil {
			return nil, fmt.Errorf("tuner: band %d: %w", i, err)
		}
	}

	s := &Session{
		cfg:     cfg,
		backend: backend,
		store:   store,
		mailbox: mailbox,
		log:     slog.Default(),
		bands:   append([]eq.BandParameters(nil), bands...),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bands returns a copy of the working band set.
func (s *Session) Bands() []eq.BandParameters {
	return append([]eq.BandParameters(nil), s.bands...)
}

// Record captures cfg.RecordSeconds of audio and returns the dominant
// frequency; ok is false for silent or near-silent captures.
func (s *Session) Record(ctx context.Context) (freq float64, ok bool, err error) {
	dcfg := device.Config{SampleRate: s.cfg.SampleRate, FrameSize: s.cfg.FrameSize, Channels: 1}
	in, err := s.backend.OpenInput(s.cfg.InputName, dcfg)
	if err != nil {
		return 0, false, err
	}
	defer in.Close()

	want := int(float64(s.cfg.SampleRate) * s.cfg.RecordSeconds)
	signal := make([]float64, 0, want)
	frame := pcm.NewFrame(1, s.cfg.FrameSize, s.cfg.SampleRate)
	for len(signal) < want {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		if err := in.ReadFrame(frame); err != nil {
			return 0, false, err
		}
		signal = append(signal, frame.Data[0]...)
	}

	freq, ok, err = DominantFrequency(signal[:want], s.cfg.SampleRate)
	if err == nil && ok {
		s.lastFreq = freq
		s.hasFreq = true
		s.log.Info("capture analyzed", "dominant_hz", freq)
	}
	return freq, ok, err
}

// publish pushes the full working band set to the live session.
func (s *Session) publish() {
	if s.mailbox != nil {
		s.mailbox.Post(eq.UpdateAll(s.Bands()))
	}
}

// Run executes the interactive command loop, reading commands from in
// and writing responses to out, until quit, EOF, or ctx cancellation.
// Reading happens on its own goroutine so cancellation is not stuck
// behind a pending line.
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "commands: record | add | list | freq <band> <hz> | gain <band> <db> | q <band> <q> | remove <band> | save <name> | quit")

	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		var open bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, open = <-lines:
			if !open {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("tuner: read commands: %w", err)
				}
				return nil
			}
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit", "exit":
			return nil
		case "record":
			s.cmdRecord(ctx, out)
		case "add":
			s.cmdAdd(out)
		case "list":
			s.cmdList(out)
		case "freq", "gain", "q":
			s.cmdEdit(out, fields)
		case "remove":
			s.cmdRemove(out, fields)
		case "save":
			s.cmdSave(out, fields)
		default:
			fmt.Fprintf(out, "unknown command %q\n", fields[0])
		}
	}
}

func (s *Session) cmdRecord(ctx context.Context, out io.Writer) {
	fmt.Fprintf(out, "recording %.1fs...\n", s.cfg.RecordSeconds)
	freq, ok, err := s.Record(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(out, "record failed: %v\n", err)
	case !ok:
		fmt.Fprintln(out, "no dominant frequency (capture too quiet)")
	default:
		fmt.Fprintf(out, "dominant frequency: %.1f Hz\n", freq)
	}
}

func (s *Session) cmdAdd(out io.Writer) {
	if !s.hasFreq {
		fmt.Fprintln(out, "record first")
		return
	}
	band := eq.BandParameters{
		Name:   fmt.Sprintf("band%d", len(s.bands)),
		Type:   eq.Peaking,
		Freq:   s.lastFreq,
		GainDB: DefaultGainDB,
		Q:      DefaultQ,
	}
	if err := band.Validate(s.cfg.SampleRate); err != nil {
		fmt.Fprintf(out, "cannot add band: %v\n", err)
		return
	}
	s.bands = append(s.bands, band)
	s.publish()
	fmt.Fprintf(out, "added band %d at %.1f Hz\n", len(s.bands)-1, band.Freq)
}

func (s *Session) cmdList(out io.Writer) {
	if len(s.bands) == 0 {
		fmt.Fprintln(out, "no bands")
		return
	}
	for i, b := range s.bands {
		fmt.Fprintf(out, "%2d %-12s %-10s %8.1f Hz %+6.2f dB Q %.2f\n",
			i, b.Name, b.Type, b.Freq, b.GainDB, b.Q)
	}
}

func (s *Session) cmdEdit(out io.Writer, fields []string) {
	if len(fields) != 3 {
		fmt.Fprintf(out, "usage: %s <band> <value>\n", fields[0])
		return
	}
	idx, err := strconv.Atoi(fields[1])
	if err != nil || idx < 0 || idx >= len(s.bands) {
		fmt.Fprintf(out, "no band %q\n", fields[1])
		return
	}
	val, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		fmt.Fprintf(out, "bad value %q\n", fields[2])
		return
	}

	band := s.bands[idx]
	switch fields[0] {
	case "freq":
		band.Freq = val
	case "gain":
		band.GainDB = val
	case "q":
		band.Q = val
	}
	if err := band.Validate(s.cfg.SampleRate); err != nil {
		fmt.Fprintf(out, "rejected: %v\n", err)
		return
	}
	s.bands[idx] = band
	s.publish()
	fmt.Fprintf(out, "band %d: %.1f Hz %+.2f dB Q %.2f\n", idx, band.Freq, band.GainDB, band.Q)
}

func (s *Session) cmdRemove(out io.Writer, fields []string) {
	if len(fields) != 2 {
		fmt.Fprintln(out, "usage: remove <band>")
		return
	}
	idx, err := strconv.Atoi(fields[1])
	if err != nil || idx < 0 || idx >= len(s.bands) {
		fmt.Fprintf(out, "no band %q\n", fields[1])
		return
	}
	s.bands = append(s.bands[:idx], s.bands[idx+1:]...)
	s.publish()
	fmt.Fprintf(out, "removed band %d\n", idx)
}

func (s *Session) cmdSave(out io.Writer, fields []string) {
	if s.store == nil {
		fmt.Fprintln(out, "no preset store configured")
		return
	}
	if len(fields) != 2 {
		fmt.Fprintln(out, "usage: save <name>")
		return
	}
	if err := s.store.Save(fields[1], s.bands, s.cfg.SampleRate); err != nil {
		if errors.Is(err, preset.ErrInvalidName) {
			fmt.Fprintf(out, "invalid preset name %q\n", fields[1])
			return
		}
		fmt.Fprintf(out, "save failed: %v\n", err)
		return
	}
	fmt.Fprintf(out, "saved preset %q (%d bands)\n", fields[1], len(s.bands))
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return int(math.Max(float64(p), 2))
}
