package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if cfg.Intercom.ListenAddress != ":6054" {
		t.Errorf("unexpected listen address %q", cfg.Intercom.ListenAddress)
	}
	if got := cfg.ReferenceDelayBytes(); got != 2560 {
		t.Errorf("ReferenceDelayBytes = %d, want 2560", got)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown role",
			mutate:  func(c *Config) { c.Intercom.Role = "bridge" },
			wantErr: "intercom.role",
		},
		{
			name: "client without remote",
			mutate: func(c *Config) {
				c.Intercom.Role = RoleClient
				c.Intercom.RemoteAddress = ""
			},
			wantErr: "intercom.remote_address",
		},
		{
			name: "client remote without port",
			mutate: func(c *Config) {
				c.Intercom.Role = RoleClient
				c.Intercom.RemoteAddress = "10.0.0.5"
			},
			wantErr: "intercom.remote_address",
		},
		{
			name:    "device name with comma",
			mutate:  func(c *Config) { c.Intercom.DeviceName = "Front, Door" },
			wantErr: "intercom.device_name",
		},
		{
			name:    "odd chunk size",
			mutate:  func(c *Config) { c.Audio.ChunkSize = 511 },
			wantErr: "audio.chunk_size",
		},
		{
			name:    "negative reference delay",
			mutate:  func(c *Config) { c.Audio.ReferenceDelay = -time.Millisecond },
			wantErr: "audio.reference_delay",
		},
		{
			name:    "aec frame too large",
			mutate:  func(c *Config) { c.Audio.AEC.FrameSize = 4096 },
			wantErr: "audio.aec.frame_size",
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Settings.Store = "sqlite" },
			wantErr: "settings.store",
		},
		{
			name:    "redis store without redis",
			mutate:  func(c *Config) { c.Settings.Store = StoreRedis },
			wantErr: "redis.enabled",
		},
		{
			name: "auth without api key",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.APIKey = ""
			},
			wantErr: "auth.api_key",
		},
		{
			name: "http rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
			wantErr: "rate_limiting.http.requests_per_second",
		},
		{
			name: "tap static payload type",
			mutate: func(c *Config) {
				c.Tap.Enabled = true
				c.Tap.PayloadType = 11
			},
			wantErr: "tap.payload_type",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Intercom.Role != RoleServer {
		t.Errorf("expected default role, got %q", cfg.Intercom.Role)
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
intercom:
  role: client
  device_name: Front Door
  remote_address: 10.0.0.5:6054
  ringing_timeout: 15s
audio:
  reference_delay: 40ms
settings:
  save_debounce: 1s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INTERCOM_DEVICE_NAME", "Garage")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Intercom.Role != RoleClient || cfg.Intercom.RemoteAddress != "10.0.0.5:6054" {
		t.Errorf("yaml not applied: %+v", cfg.Intercom)
	}
	if cfg.Intercom.DeviceName != "Garage" {
		t.Errorf("env override not applied, device name %q", cfg.Intercom.DeviceName)
	}
	if cfg.Intercom.RingingTimeout != 15*time.Second {
		t.Errorf("ringing timeout = %v", cfg.Intercom.RingingTimeout)
	}
	if cfg.ReferenceDelayBytes() != 1280 {
		t.Errorf("ReferenceDelayBytes = %d, want 1280", cfg.ReferenceDelayBytes())
	}
	// untouched sections keep defaults
	if cfg.Audio.ChunkSize != 512 {
		t.Errorf("chunk size default lost: %d", cfg.Audio.ChunkSize)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("intercom: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
