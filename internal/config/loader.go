package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Validate] when the corresponding field is unset.
const (
	DefaultListenAddr     = ":8080"
	DefaultChunkSeconds   = 5.0
	DefaultOverlapSeconds = 1.0
	DefaultSilenceRMS     = 0.01
	DefaultSampleRate     = 16000
	DefaultCaptureCommand = "arecord"
	DefaultLanguage       = "en"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills in defaults and checks that cfg contains a coherent set of
// values. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Engine.Kind == "" {
		cfg.Engine.Kind = EngineWhisperLocal
	}
	if !cfg.Engine.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("engine.kind %q is invalid; valid values: whisper-local, cloud", cfg.Engine.Kind))
	}
	if cfg.Engine.Language == "" {
		cfg.Engine.Language = DefaultLanguage
	}
	if cfg.Engine.ChunkSeconds == 0 {
		cfg.Engine.ChunkSeconds = DefaultChunkSeconds
	}
	if cfg.Engine.ChunkSeconds < 0 {
		errs = append(errs, fmt.Errorf("engine.chunk_seconds %.2f must be positive", cfg.Engine.ChunkSeconds))
	}
	switch {
	case cfg.Engine.OverlapSeconds < 0:
		errs = append(errs, fmt.Errorf("engine.overlap_seconds %.2f must not be negative", cfg.Engine.OverlapSeconds))
	case cfg.Engine.OverlapSeconds == 0:
		cfg.Engine.OverlapSeconds = DefaultOverlapSeconds
	case cfg.Engine.OverlapSeconds >= cfg.Engine.ChunkSeconds:
		errs = append(errs, fmt.Errorf("engine.overlap_seconds %.2f must be smaller than engine.chunk_seconds %.2f", cfg.Engine.OverlapSeconds, cfg.Engine.ChunkSeconds))
	}
	if cfg.Engine.SilenceRMS == 0 {
		cfg.Engine.SilenceRMS = DefaultSilenceRMS
	}
	if cfg.Engine.SilenceRMS < 0 {
		errs = append(errs, fmt.Errorf("engine.silence_rms %.4f must not be negative", cfg.Engine.SilenceRMS))
	}

	if cfg.Engine.Capture.Command == "" {
		cfg.Engine.Capture.Command = DefaultCaptureCommand
	}
	if cfg.Engine.Capture.SampleRate == 0 {
		cfg.Engine.Capture.SampleRate = DefaultSampleRate
	}
	if cfg.Engine.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("engine.capture.sample_rate %d must be positive", cfg.Engine.Capture.SampleRate))
	}

	switch cfg.Engine.Kind {
	case EngineWhisperLocal:
		if cfg.Engine.ModelPath == "" {
			errs = append(errs, errors.New("engine.model_path is required when engine.kind is whisper-local"))
		}
	case EngineCloud:
		if cfg.Engine.Cloud.URL == "" {
			errs = append(errs, errors.New("engine.cloud.url is required when engine.kind is cloud"))
		}
		if cfg.Engine.Cloud.APIKey == "" {
			slog.Warn("engine.cloud.api_key is empty; the service will likely reject the stream")
		}
	}

	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required"))
	}
	if cfg.State.Dir == "" {
		slog.Warn("state.dir is empty; settings and recording history will not persist")
	}

	return errors.Join(errs...)
}
