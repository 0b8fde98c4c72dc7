package framesock

import (
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned for configuration values that cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the settings of a framesock endpoint.
type Config struct {
	Addr            string
	MaxPayload      uint32
	ReadChunkSize   int
	SendBuffer      int
	Heartbeat       time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
	MetricsAddr     string
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:5000",
		MaxPayload:    DefaultMaxPayload,
		ReadChunkSize: defaultReadChunkSize,
		SendBuffer:    16,
		Heartbeat:     defaultHeartbeat,
		LogLevel:      "info",
	}
}

type fileConfig struct {
	Addr            string `toml:"addr"`
	MaxPayload      int64  `toml:"max_payload"`
	ReadChunkSize   int    `toml:"read_chunk_size"`
	SendBuffer      int    `toml:"send_buffer"`
	Heartbeat       string `toml:"heartbeat"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	LogLevel        string `toml:"log_level"`
	MetricsAddr     string `toml:"metrics_addr"`
}

// LoadConfig reads a TOML file on top of DefaultConfig. Keys missing from the
// file keep their default value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load config %s", path)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("max_payload") {
		if raw.MaxPayload <= 0 || raw.MaxPayload > int64(MaxPayloadLimit) {
			return Config{}, errors.Wrapf(ErrInvalidConfig, "max_payload %d out of range [1, %d]", raw.MaxPayload, MaxPayloadLimit)
		}
		cfg.MaxPayload = uint32(raw.MaxPayload)
	}
	if meta.IsDefined("read_chunk_size") {
		cfg.ReadChunkSize = raw.ReadChunkSize
	}
	if meta.IsDefined("send_buffer") {
		cfg.SendBuffer = raw.SendBuffer
	}
	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse heartbeat")
		}
		cfg.Heartbeat = d
	}
	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse shutdown_timeout")
		}
		cfg.ShutdownTimeout = d
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "unknown key %q", undecoded[0].String())
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "addr %q: %v", c.Addr, err)
	}
	if c.MaxPayload == 0 {
		return errors.Wrap(ErrInvalidConfig, "max_payload must be positive")
	}
	if c.ReadChunkSize <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "read_chunk_size %d must be positive", c.ReadChunkSize)
	}
	if c.SendBuffer <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "send_buffer %d must be positive", c.SendBuffer)
	}
	if c.Heartbeat <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "heartbeat %s must be positive", c.Heartbeat)
	}
	if c.ShutdownTimeout < 0 {
		return errors.Wrapf(ErrInvalidConfig, "shutdown_timeout %s must not be negative", c.ShutdownTimeout)
	}
	return nil
}

// Options converts the connection settings into connection Options.
func (c Config) Options() []Option {
	return []Option{
		MaxPayloadOption(c.MaxPayload),
		ReadChunkSizeOption(c.ReadChunkSize),
		BufferSizeOption(c.SendBuffer),
		HeartbeatOption(c.Heartbeat),
	}
}
