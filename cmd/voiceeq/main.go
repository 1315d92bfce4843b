// Command voiceeq is a real-time voice equalizer: it captures audio
// from an input device, runs it through a multi-band equalizer, and
// plays the result on an output device. Presets can be saved, loaded,
// and tuned live while a stream is running.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/algo-voiceeq/config"
	"github.com/cwbudde/algo-voiceeq/control"
	"github.com/cwbudde/algo-voiceeq/device"
	"github.com/cwbudde/algo-voiceeq/device/miniaudio"
	"github.com/cwbudde/algo-voiceeq/eq"
	"github.com/cwbudde/algo-voiceeq/internal/observe"
	"github.com/cwbudde/algo-voiceeq/preset"
	"github.com/cwbudde/algo-voiceeq/stream"
	"github.com/cwbudde/algo-voiceeq/tuner"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() int {
	fmt.Fprintln(os.Stderr, `usage: voiceeq <command> [flags]

commands:
  stream    capture, equalize, and play back in real time
  tune      record from the input device and shape a preset interactively
  devices   list capture and playback devices`)
	return 2
}

func run(args []string) int {
	if len(args) == 0 {
		return usage()
	}
	switch args[0] {
	case "stream":
		return runStream(args[1:])
	case "tune":
		return runTune(args[1:])
	case "devices":
		return runDevices(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "voiceeq: unknown command %q\n", args[0])
		return usage()
	}
}

// loadConfig loads the YAML config when a path is given and applies
// command-line overrides on top.
func loadConfig(path string, override func(*config.Config)) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	override(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadBands returns the starting band set: the named preset when given,
// the built-in voice bands otherwise.
func loadBands(store *preset.Store, name string) ([]eq.BandParameters, error) {
	if name == "" {
		return eq.VoiceBands(), nil
	}
	return store.Load(name)
}

// streamFlags are the command-line overrides for the stream command.
type streamFlags struct {
	input, output string
	rate, frame   int
	presetName    string
	gate          bool
	metricsAddr   string
}

func (f streamFlags) apply(c *config.Config) {
	if f.input != "" {
		c.Audio.InputDevice = f.input
	}
	if f.output != "" {
		c.Audio.OutputDevice = f.output
	}
	if f.rate != 0 {
		c.Audio.SampleRate = f.rate
	}
	if f.frame != 0 {
		c.Audio.FrameSize = f.frame
	}
	if f.presetName != "" {
		c.Presets.Name = f.presetName
	}
	if f.gate {
		c.Audio.Gate = true
		if c.Audio.GateThresholdDB == 0 {
			c.Audio.GateThresholdDB = eq.DefaultGateThresholdDB
		}
	}
	if f.metricsAddr != "" {
		c.Metrics.ListenAddr = f.metricsAddr
	}
}

func runStream(args []string) int {
	var f streamFlags
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	fs.StringVar(&f.input, "input", "", "input device name (default device when empty)")
	fs.StringVar(&f.output, "output", "", "output device name (default device when empty)")
	fs.IntVar(&f.rate, "rate", 0, "sample rate in Hz")
	fs.IntVar(&f.frame, "frame", 0, "frame size in samples")
	fs.StringVar(&f.presetName, "preset", "", "preset to load at start")
	fs.BoolVar(&f.gate, "gate", false, "enable the noise gate")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Prometheus scrape endpoint address")
	tune := fs.Bool("tune", false, "tune the equalizer interactively while streaming")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, f.apply)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceeq: %v\n", err)
		return 1
	}

	logger := observe.NewLogger(cfg.LogLevel.Level())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitMetrics("voiceeq", version)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(ctx)
	}()

	store, err := preset.NewStore(cfg.Presets.Dir)
	if err != nil {
		logger.Error("preset store", "error", err)
		return 1
	}
	bands, err := loadBands(store, cfg.Presets.Name)
	if err != nil {
		logger.Error("load preset", "preset", cfg.Presets.Name, "error", err)
		return 1
	}

	var bankOpts []eq.Option
	if cfg.Audio.Gate {
		bankOpts = append(bankOpts, eq.WithGate(cfg.Audio.GateThresholdDB))
	}
	bank, err := eq.NewBank(cfg.Audio.SampleRate, cfg.Audio.Channels, bands, bankOpts...)
	if err != nil {
		logger.Error("equalizer setup", "error", err)
		return 1
	}

	metrics, err := stream.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Error("metrics instruments", "error", err)
		return 1
	}

	var mbox control.Mailbox
	engine, err := stream.New(miniaudio.New(), stream.Config{
		InputName:       cfg.Audio.InputDevice,
		OutputName:      cfg.Audio.OutputDevice,
		SampleRate:      cfg.Audio.SampleRate,
		FrameSize:       cfg.Audio.FrameSize,
		Channels:        cfg.Audio.Channels,
		GlitchTolerance: cfg.Audio.GlitchTolerance,
	}, bank, &mbox, stream.WithLogger(logger), stream.WithMetrics(metrics))
	if err != nil {
		logger.Error("stream setup", "error", err)
		return 1
	}

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	g, gctx := errgroup.WithContext(sessionCtx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if cfg.Metrics.ListenAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, logger, cfg.Metrics.ListenAddr)
		})
	}

	if *tune {
		g.Go(func() error {
			session, err := tuner.NewSession(miniaudio.New(), tuner.Config{
				InputName:  cfg.Audio.InputDevice,
				SampleRate: cfg.Audio.SampleRate,
				FrameSize:  cfg.Audio.FrameSize,
			}, store, &mbox, bank.Snapshot(), tuner.WithLogger(logger))
			if err != nil {
				return err
			}
			err = session.Run(gctx, os.Stdin, os.Stdout)
			// Quitting the tuner ends the whole session.
			cancelSession()
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("session failed", "error", err)
		return 1
	}
	logger.Info("session finished", "frames", engine.FramesProcessed())
	return 0
}

func runTune(args []string) int {
	fs := flag.NewFlagSet("tune", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	input := fs.String("input", "", "input device name (default device when empty)")
	rate := fs.Int("rate", 0, "sample rate in Hz")
	frame := fs.Int("frame", 0, "frame size in samples")
	presetName := fs.String("preset", "", "preset to start from")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath, func(c *config.Config) {
		if *input != "" {
			c.Audio.InputDevice = *input
		}
		if *rate != 0 {
			c.Audio.SampleRate = *rate
		}
		if *frame != 0 {
			c.Audio.FrameSize = *frame
		}
		if *presetName != "" {
			c.Presets.Name = *presetName
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceeq: %v\n", err)
		return 1
	}

	logger := observe.NewLogger(cfg.LogLevel.Level())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := preset.NewStore(cfg.Presets.Dir)
	if err != nil {
		logger.Error("preset store", "error", err)
		return 1
	}
	bands, err := loadBands(store, cfg.Presets.Name)
	if err != nil {
		logger.Error("load preset", "preset", cfg.Presets.Name, "error", err)
		return 1
	}

	session, err := tuner.NewSession(miniaudio.New(), tuner.Config{
		InputName:  cfg.Audio.InputDevice,
		SampleRate: cfg.Audio.SampleRate,
		FrameSize:  cfg.Audio.FrameSize,
	}, store, nil, bands, tuner.WithLogger(logger))
	if err != nil {
		logger.Error("tuner setup", "error", err)
		return 1
	}

	if err := session.Run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tuner failed", "error", err)
		return 1
	}
	return 0
}

func runDevices(args []string) int {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	fs.Parse(args)

	backend := miniaudio.New()
	for _, dir := range []device.Direction{device.Capture, device.Playback} {
		infos, err := backend.Devices(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voiceeq: list %s devices: %v\n", dir, err)
			return 1
		}
		fmt.Printf("%s devices:\n", dir)
		for _, info := range infos {
			marker := " "
			if info.IsDefault {
				marker = "*"
			}
			fmt.Printf("  %s %s\n", marker, info.Name)
		}
	}
	return 0
}

// serveMetrics runs the Prometheus scrape endpoint until ctx ends.
func serveMetrics(ctx context.Context, logger *slog.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics endpoint listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
