package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"intercom/pkg/validation"
)

const (
	RoleServer = "server"
	RoleClient = "client"

	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBadger = "badger"
)

type Config struct {
	Intercom struct {
		Role           string        `yaml:"role"`
		DeviceName     string        `yaml:"device_name"`
		ListenAddress  string        `yaml:"listen_address"`
		RemoteAddress  string        `yaml:"remote_address"`
		RingingTimeout time.Duration `yaml:"ringing_timeout"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		AutoAnswer     bool          `yaml:"auto_answer"`
		AEC            bool          `yaml:"aec"`
	} `yaml:"intercom"`

	Audio struct {
		SampleRate        int           `yaml:"sample_rate"`
		ChunkSize         int           `yaml:"chunk_size"`
		MaxPayload        int           `yaml:"max_payload"`
		PlaybackBuffer    int           `yaml:"playback_buffer"`
		CaptureBuffer     int           `yaml:"capture_buffer"`
		ReferenceDelay    time.Duration `yaml:"reference_delay"`
		PlaybackMaxChunks int           `yaml:"playback_max_chunks"`
		DCOffsetRemoval   bool          `yaml:"dc_offset_removal"`
		StopAckTimeout    time.Duration `yaml:"stop_ack_timeout"`
		IdleSleep         time.Duration `yaml:"idle_sleep"`

		AEC struct {
			FrameSize int     `yaml:"frame_size"` // samples
			Taps      int     `yaml:"taps"`
			StepSize  float64 `yaml:"step_size"`
		} `yaml:"aec"`

		Input struct {
			Kind   string  `yaml:"kind"` // tone|file|silence
			Path   string  `yaml:"path"`
			ToneHz float64 `yaml:"tone_hz"`
		} `yaml:"input"`

		Output struct {
			Kind string `yaml:"kind"` // null|file
			Path string `yaml:"path"`
		} `yaml:"output"`
	} `yaml:"audio"`

	Dial struct {
		MaxAttempts      int           `yaml:"max_attempts"`
		InitialDelay     time.Duration `yaml:"initial_delay"`
		MaxDelay         time.Duration `yaml:"max_delay"`
		Multiplier       float64       `yaml:"multiplier"`
		FailureThreshold int           `yaml:"failure_threshold"`
		BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	} `yaml:"dial"`

	Settings struct {
		Store        string        `yaml:"store"`
		BadgerDir    string        `yaml:"badger_dir"`
		RedisKey     string        `yaml:"redis_key"`
		SaveDebounce time.Duration `yaml:"save_debounce"`
	} `yaml:"settings"`

	Contacts struct {
		List    string `yaml:"list"`
		Default string `yaml:"default"`
	} `yaml:"contacts"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Registry struct {
		Enabled          bool          `yaml:"enabled"`
		AdvertiseAddress string        `yaml:"advertise_address"` // defaults to hostname + listen port
		TTL              time.Duration `yaml:"ttl"`
	} `yaml:"registry"`

	Events struct {
		RedisPublish bool   `yaml:"redis_publish"`
		RedisChannel string `yaml:"redis_channel"`
	} `yaml:"events"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		APIKey         string        `yaml:"api_key"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Tap struct {
		Enabled      bool          `yaml:"enabled"`
		Address      string        `yaml:"address"`
		PayloadType  uint8         `yaml:"payload_type"`
		RTCPInterval time.Duration `yaml:"rtcp_interval"`
	} `yaml:"tap"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Intercom
	switch c.Intercom.Role {
	case RoleServer:
		if c.Intercom.ListenAddress == "" {
			return fmt.Errorf("intercom.listen_address must not be empty for role %q", RoleServer)
		}
		if err := validation.ValidateAddress(c.Intercom.ListenAddress, true); err != nil {
			return fmt.Errorf("intercom.listen_address: %w", err)
		}
	case RoleClient:
		if c.Intercom.RemoteAddress == "" {
			return fmt.Errorf("intercom.remote_address must not be empty for role %q", RoleClient)
		}
		if err := validation.ValidateAddress(c.Intercom.RemoteAddress, false); err != nil {
			return fmt.Errorf("intercom.remote_address: %w", err)
		}
	default:
		return fmt.Errorf("intercom.role must be %q or %q, got %q", RoleServer, RoleClient, c.Intercom.Role)
	}
	if c.Intercom.DeviceName == "" {
		return fmt.Errorf("intercom.device_name must not be empty")
	}
	if err := validation.ValidateDeviceName(c.Intercom.DeviceName); err != nil {
		return fmt.Errorf("intercom.device_name: %w", err)
	}
	if c.Intercom.RingingTimeout < 0 {
		return fmt.Errorf("intercom.ringing_timeout must be >= 0")
	}
	if c.Intercom.PingInterval <= 0 {
		return fmt.Errorf("intercom.ping_interval must be > 0")
	}
	if c.Intercom.PongTimeout < 0 {
		return fmt.Errorf("intercom.pong_timeout must be >= 0")
	}
	if c.Intercom.ConnectTimeout <= 0 {
		return fmt.Errorf("intercom.connect_timeout must be > 0")
	}

	// Audio
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.ChunkSize <= 0 || c.Audio.ChunkSize%2 != 0 {
		return fmt.Errorf("audio.chunk_size must be a positive even number of bytes")
	}
	if c.Audio.MaxPayload < c.Audio.ChunkSize {
		return fmt.Errorf("audio.max_payload must be >= audio.chunk_size")
	}
	if c.Audio.PlaybackBuffer < c.Audio.ChunkSize {
		return fmt.Errorf("audio.playback_buffer must hold at least one chunk")
	}
	if c.Audio.CaptureBuffer < c.Audio.ChunkSize {
		return fmt.Errorf("audio.capture_buffer must hold at least one chunk")
	}
	if c.Audio.ReferenceDelay < 0 {
		return fmt.Errorf("audio.reference_delay must be >= 0")
	}
	if c.Audio.PlaybackMaxChunks <= 0 {
		return fmt.Errorf("audio.playback_max_chunks must be > 0")
	}
	if c.Audio.StopAckTimeout <= 0 {
		return fmt.Errorf("audio.stop_ack_timeout must be > 0")
	}
	if c.Audio.AEC.FrameSize <= 0 {
		return fmt.Errorf("audio.aec.frame_size must be > 0")
	}
	if 2*c.Audio.AEC.FrameSize > c.Audio.MaxPayload {
		return fmt.Errorf("audio.aec.frame_size of %d samples does not fit audio.max_payload", c.Audio.AEC.FrameSize)
	}

	// Dial
	if c.Dial.MaxAttempts < 0 {
		return fmt.Errorf("dial.max_attempts must be >= 0")
	}
	if c.Dial.Multiplier < 1 {
		return fmt.Errorf("dial.multiplier must be >= 1")
	}
	if c.Dial.FailureThreshold <= 0 {
		return fmt.Errorf("dial.failure_threshold must be > 0")
	}

	// Settings
	switch c.Settings.Store {
	case StoreMemory:
	case StoreBadger:
		if c.Settings.BadgerDir == "" {
			return fmt.Errorf("settings.badger_dir must not be empty when settings.store=badger")
		}
	case StoreRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("settings.store=redis requires redis.enabled=true")
		}
	default:
		return fmt.Errorf("settings.store must be one of memory, redis, badger, got %q", c.Settings.Store)
	}
	if c.Settings.SaveDebounce <= 0 {
		return fmt.Errorf("settings.save_debounce must be > 0")
	}

	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}
	if c.Events.RedisPublish && !c.Redis.Enabled {
		return fmt.Errorf("events.redis_publish requires redis.enabled=true")
	}
	if c.Registry.Enabled {
		if !c.Redis.Enabled {
			return fmt.Errorf("registry.enabled requires redis.enabled=true")
		}
		if c.Registry.TTL < time.Second {
			return fmt.Errorf("registry.ttl must be at least 1s")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.APIKey == "" {
			return fmt.Errorf("auth.api_key must not be empty when auth.enabled=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Tap
	if c.Tap.Enabled {
		if c.Tap.Address == "" {
			return fmt.Errorf("tap.address must not be empty when tap.enabled=true")
		}
		if c.Tap.PayloadType < 96 || c.Tap.PayloadType > 127 {
			return fmt.Errorf("tap.payload_type must be a dynamic payload type (96-127)")
		}
		if c.Tap.RTCPInterval <= 0 {
			return fmt.Errorf("tap.rtcp_interval must be > 0")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Intercom.Role = RoleServer
	cfg.Intercom.DeviceName = "Intercom"
	cfg.Intercom.ListenAddress = ":6054"
	cfg.Intercom.RingingTimeout = 30 * time.Second
	cfg.Intercom.PingInterval = 5 * time.Second
	cfg.Intercom.PongTimeout = 10 * time.Second
	cfg.Intercom.ConnectTimeout = 5 * time.Second
	cfg.Intercom.AutoAnswer = false
	cfg.Intercom.AEC = false

	cfg.Audio.SampleRate = 16000
	cfg.Audio.ChunkSize = 512
	cfg.Audio.MaxPayload = 2048
	cfg.Audio.PlaybackBuffer = 8192
	cfg.Audio.CaptureBuffer = 2048
	cfg.Audio.ReferenceDelay = 80 * time.Millisecond
	cfg.Audio.PlaybackMaxChunks = 4
	cfg.Audio.DCOffsetRemoval = false
	cfg.Audio.StopAckTimeout = 200 * time.Millisecond
	cfg.Audio.IdleSleep = 20 * time.Millisecond
	cfg.Audio.AEC.FrameSize = 512
	cfg.Audio.AEC.Taps = 256
	cfg.Audio.AEC.StepSize = 0.1
	cfg.Audio.Input.Kind = "silence"
	cfg.Audio.Input.ToneHz = 440
	cfg.Audio.Output.Kind = "null"

	cfg.Dial.MaxAttempts = 3
	cfg.Dial.InitialDelay = 200 * time.Millisecond
	cfg.Dial.MaxDelay = 2 * time.Second
	cfg.Dial.Multiplier = 2.0
	cfg.Dial.FailureThreshold = 5
	cfg.Dial.BreakerTimeout = 10 * time.Second

	cfg.Settings.Store = StoreMemory
	cfg.Settings.BadgerDir = "data/settings"
	cfg.Settings.RedisKey = "intercom:settings"
	cfg.Settings.SaveDebounce = 250 * time.Millisecond

	cfg.Contacts.Default = "Home Assistant"

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Registry.Enabled = false
	cfg.Registry.TTL = 30 * time.Second

	cfg.Events.RedisChannel = "intercom:events"

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 10
	cfg.RateLimiting.WebSocket.Burst = 20
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 4 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Tap.Enabled = false
	cfg.Tap.Address = "127.0.0.1:5004"
	cfg.Tap.PayloadType = 96
	cfg.Tap.RTCPInterval = 5 * time.Second

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if role := os.Getenv("INTERCOM_ROLE"); role != "" {
		c.Intercom.Role = role
	}
	if name := os.Getenv("INTERCOM_DEVICE_NAME"); name != "" {
		c.Intercom.DeviceName = name
	}
	if addr := os.Getenv("INTERCOM_LISTEN_ADDRESS"); addr != "" {
		c.Intercom.ListenAddress = addr
	}
	if addr := os.Getenv("INTERCOM_REMOTE_ADDRESS"); addr != "" {
		c.Intercom.RemoteAddress = addr
	}
	if v := os.Getenv("INTERCOM_AUTO_ANSWER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Intercom.AutoAnswer = b
		}
	}
	if addr := os.Getenv("INTERCOM_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if store := os.Getenv("INTERCOM_SETTINGS_STORE"); store != "" {
		c.Settings.Store = store
	}
	if level := os.Getenv("INTERCOM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("INTERCOM_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv("INTERCOM_API_KEY"); key != "" {
		c.Auth.APIKey = key
	}
	if addr := os.Getenv("INTERCOM_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
}

// ReferenceDelayBytes returns the echo reference pre-fill in bytes, rounded
// down to a whole sample.
func (c *Config) ReferenceDelayBytes() int {
	samples := int(c.Audio.ReferenceDelay * time.Duration(c.Audio.SampleRate) / time.Second)
	return samples * 2
}
