package framesock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framesock.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxPayload != DefaultMaxPayload {
		t.Errorf("MaxPayload = %d, want %d", cfg.MaxPayload, DefaultMaxPayload)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
addr = "0.0.0.0:7000"
max_payload = 1048576
read_chunk_size = 4096
send_buffer = 8
heartbeat = "10s"
shutdown_timeout = "2s"
log_level = "debug"
metrics_addr = ":9090"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := Config{
		Addr:            "0.0.0.0:7000",
		MaxPayload:      1 << 20,
		ReadChunkSize:   4096,
		SendBuffer:      8,
		Heartbeat:       10 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		LogLevel:        "debug",
		MetricsAddr:     ":9090",
	}
	if cfg != want {
		t.Errorf("LoadConfig = %+v, want %+v", cfg, want)
	}
}

func TestLoadConfig_PartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `max_payload = 512`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	def := DefaultConfig()
	if cfg.MaxPayload != 512 {
		t.Errorf("MaxPayload = %d, want 512", cfg.MaxPayload)
	}
	if cfg.Addr != def.Addr || cfg.Heartbeat != def.Heartbeat {
		t.Errorf("defaults not kept: %+v", cfg)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"zero max payload":     `max_payload = 0`,
		"max payload overflow": `max_payload = 4294967296`,
		"negative chunk":       `read_chunk_size = -1`,
		"bad addr":             `addr = "nope"`,
		"unknown key":          `max_paylod = 10`,
	}

	for name, body := range cases {
		_, err := LoadConfig(writeConfig(t, body))
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestLoadConfig_BadDuration(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `heartbeat = "soon"`))
	if err == nil {
		t.Error("expected error for unparsable heartbeat")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayload = 99
	cfg.ReadChunkSize = 7

	var o options
	for _, opt := range cfg.Options() {
		opt(&o)
	}

	if o.maxPayload != 99 {
		t.Errorf("maxPayload = %d, want 99", o.maxPayload)
	}
	if o.readChunkSize != 7 {
		t.Errorf("readChunkSize = %d, want 7", o.readChunkSize)
	}
	if o.bufferSize != cfg.SendBuffer {
		t.Errorf("bufferSize = %d, want %d", o.bufferSize, cfg.SendBuffer)
	}
	if o.heartbeat != cfg.Heartbeat {
		t.Errorf("heartbeat = %v, want %v", o.heartbeat, cfg.Heartbeat)
	}
}
