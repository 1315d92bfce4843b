package config

import (
	"log/slog"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.FrameSize != 1024 || cfg.Audio.Channels != 1 {
		t.Fatalf("audio defaults = %+v", cfg.Audio)
	}
	if cfg.Audio.GlitchTolerance != 3 {
		t.Fatalf("glitch tolerance = %d, want 3", cfg.Audio.GlitchTolerance)
	}
	if cfg.Presets.Dir != "presets" || cfg.LogLevel != LogInfo {
		t.Fatalf("defaults = %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromReader(t *testing.T) {
	doc := `
audio:
  input_device: "USB Microphone"
  sample_rate: 44100
  frame_size: 512
  gate: true
  gate_threshold_db: -45
presets:
  dir: /var/lib/voiceeq/presets
  name: voice
metrics:
  listen_addr: ":9091"
log_level: debug
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.InputDevice != "USB Microphone" || cfg.Audio.SampleRate != 44100 {
		t.Fatalf("audio = %+v", cfg.Audio)
	}
	if cfg.Audio.Channels != 1 {
		t.Fatalf("channels default not applied: %d", cfg.Audio.Channels)
	}
	if !cfg.Audio.Gate || cfg.Audio.GateThresholdDB != -45 {
		t.Fatalf("gate = %v/%v", cfg.Audio.Gate, cfg.Audio.GateThresholdDB)
	}
	if cfg.Presets.Name != "voice" || cfg.Metrics.ListenAddr != ":9091" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LogLevel.Level() != slog.LevelDebug {
		t.Fatalf("level = %v", cfg.LogLevel.Level())
	}
}

func TestGateThresholdDefault(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("audio:\n  gate: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.GateThresholdDB != -45 {
		t.Fatalf("gate threshold = %v, want -45", cfg.Audio.GateThresholdDB)
	}
}

func TestLoadFromReaderEmpty(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.SampleRate != DefaultSampleRate {
		t.Fatalf("empty config did not default: %+v", cfg.Audio)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	if _, err := LoadFromReader(strings.NewReader("bogus_key: 1\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"negative rate", "audio:\n  sample_rate: -1\n", "sample_rate"},
		{"too many channels", "audio:\n  channels: 99\n", "channels"},
		{"positive gate threshold", "audio:\n  gate: true\n  gate_threshold_db: 3\n", "gate_threshold_db"},
		{"bad log level", "log_level: verbose\n", "log_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tc.doc))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLogLevels(t *testing.T) {
	levels := map[LogLevel]slog.Level{
		LogDebug: slog.LevelDebug,
		LogInfo:  slog.LevelInfo,
		LogWarn:  slog.LevelWarn,
		LogError: slog.LevelError,
	}
	for l, want := range levels {
		if !l.IsValid() {
			t.Errorf("%q not valid", l)
		}
		if l.Level() != want {
			t.Errorf("%q level = %v, want %v", l, l.Level(), want)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("trace accepted")
	}
}
