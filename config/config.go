// Package config loads client settings from defaults, an optional YAML file,
// a .env file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding file values.
const (
	EnvServerURL   = "AIVOICE_SERVER_URL"
	EnvLogLevel    = "AIVOICE_LOG_LEVEL"
	EnvMetricsAddr = "AIVOICE_METRICS_ADDR"
	EnvMuted       = "AIVOICE_MUTED"
)

// LogLevel is the minimum slog level written by the CLI.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a known level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

type Config struct {
	// ServerURL is the websocket endpoint of the voice backend.
	ServerURL string `yaml:"server_url"`

	Audio     AudioConfig     `yaml:"audio"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Channel   ChannelConfig   `yaml:"channel"`
	Reconnect ReconnectConfig `yaml:"reconnect"`

	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr, when set, serves Prometheus metrics at /metrics.
	MetricsAddr string `yaml:"metrics_addr"`

	// Muted starts the session with outbound audio muted.
	Muted bool `yaml:"muted"`
}

type AudioConfig struct {
	SampleRate            int `yaml:"sample_rate"`
	BlockSize             int `yaml:"block_size"`
	OutputFramesPerBuffer int `yaml:"output_frames_per_buffer"`
}

type PlaybackConfig struct {
	// MaxPending bounds the pending chunk queue. A negative value leaves it
	// unbounded.
	MaxPending    int           `yaml:"max_pending"`
	FFTSize       int           `yaml:"fft_size"`
	LevelInterval time.Duration `yaml:"level_interval"`
}

type ChannelConfig struct {
	SendQueue   int           `yaml:"send_queue"`
	ReadLimit   int64         `yaml:"read_limit"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ReconnectConfig is the reconnection policy. MaxRetries 0 disables
// reconnection.
type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL: "ws://127.0.0.1:8888/chat",
		Audio: AudioConfig{
			SampleRate:            16000,
			BlockSize:             4096,
			OutputFramesPerBuffer: 1024,
		},
		Playback: PlaybackConfig{
			MaxPending:    256,
			FFTSize:       1024,
			LevelInterval: 100 * time.Millisecond,
		},
		Channel: ChannelConfig{
			SendQueue: 32,
			ReadLimit: 16 << 20,
		},
		Reconnect: ReconnectConfig{
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		LogLevel: LogInfo,
	}
}

// LoadConfig reads .env from the working directory if present, then the YAML
// file at path (skipped when path is empty), then environment overrides, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvServerURL); ok && v != "" {
		cfg.ServerURL = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := os.LookupEnv(EnvMuted); ok && v != "" {
		muted, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvMuted, err)
		}
		cfg.Muted = muted
	}
	return nil
}

// Validate checks cfg and returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	} else if u, err := url.Parse(cfg.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("server_url %q: %w", cfg.ServerURL, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server_url %q must use ws or wss", cfg.ServerURL))
	}

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if cfg.Audio.OutputFramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("audio.output_frames_per_buffer %d must be positive", cfg.Audio.OutputFramesPerBuffer))
	}

	if n := cfg.Playback.FFTSize; n < 32 || n > 32768 || n&(n-1) != 0 {
		errs = append(errs, fmt.Errorf("playback.fft_size %d must be a power of two in [32, 32768]", n))
	}
	if cfg.Playback.LevelInterval <= 0 {
		errs = append(errs, fmt.Errorf("playback.level_interval %s must be positive", cfg.Playback.LevelInterval))
	}
	if cfg.Playback.MaxPending == 0 {
		errs = append(errs, errors.New("playback.max_pending must not be zero; use a negative value for no bound"))
	}

	if cfg.Channel.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("channel.send_queue %d must be positive", cfg.Channel.SendQueue))
	}
	if cfg.Channel.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("channel.read_limit %d must be positive", cfg.Channel.ReadLimit))
	}
	if cfg.Channel.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("channel.dial_timeout %s must not be negative", cfg.Channel.DialTimeout))
	}

	if cfg.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries %d must not be negative", cfg.Reconnect.MaxRetries))
	}
	if cfg.Reconnect.MaxRetries > 0 {
		if cfg.Reconnect.Backoff <= 0 {
			errs = append(errs, fmt.Errorf("reconnect.backoff %s must be positive", cfg.Reconnect.Backoff))
		}
		if cfg.Reconnect.MaxBackoff < cfg.Reconnect.Backoff {
			errs = append(errs, fmt.Errorf("reconnect.max_backoff %s is below reconnect.backoff %s", cfg.Reconnect.MaxBackoff, cfg.Reconnect.Backoff))
		}
	}

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
