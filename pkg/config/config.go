package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Webhook struct {
		Path   string `yaml:"path"`
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`

	RTMS struct {
		ClientID           string        `yaml:"client_id"`
		ClientSecret       string        `yaml:"client_secret"`
		InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // sandbox/test endpoints only
		HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
		KeepAliveTimeout   time.Duration `yaml:"keepalive_timeout"` // 0 disables the dead-peer window
		WriteTimeout       time.Duration `yaml:"write_timeout"`
		SendQueueSize      int           `yaml:"send_queue_size"`
		ReadLimitBytes     int64         `yaml:"read_limit_bytes"`
	} `yaml:"rtms"`

	Capture struct {
		Device      string `yaml:"device"` // synthetic | file | mediadevices
		FPS         int    `yaml:"fps"`
		JPEGQuality int    `yaml:"jpeg_quality"`
		Width       int    `yaml:"width"`
		Height      int    `yaml:"height"`
		SampleRate  int    `yaml:"sample_rate"`
		Channels    int    `yaml:"channels"`
		AudioFile   string `yaml:"audio_file"`
		ImageFile   string `yaml:"image_file"`
	} `yaml:"capture"`

	Sandbox struct {
		Address           string        `yaml:"address"`
		PublicURL         string        `yaml:"public_url"`
		KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	} `yaml:"sandbox"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		HealthInterval    time.Duration `yaml:"health_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled    bool          `yaml:"enabled"`
		Address    string        `yaml:"address"`
		Password   string        `yaml:"password"`
		DB         int           `yaml:"db"`
		PoolSize   int           `yaml:"pool_size"`
		SessionTTL time.Duration `yaml:"session_ttl"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		APIKey         string        `yaml:"api_key"` // exchanged for tokens at /api/v1/auth/token
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
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

	// Webhook
	if c.Webhook.Path == "" || c.Webhook.Path[0] != '/' {
		return fmt.Errorf("webhook.path must start with '/'")
	}

	// RTMS
	if c.RTMS.HandshakeTimeout <= 0 {
		return fmt.Errorf("rtms.handshake_timeout must be > 0")
	}
	if c.RTMS.KeepAliveTimeout < 0 {
		return fmt.Errorf("rtms.keepalive_timeout must be >= 0")
	}
	if c.RTMS.WriteTimeout <= 0 {
		return fmt.Errorf("rtms.write_timeout must be > 0")
	}
	if c.RTMS.SendQueueSize <= 0 {
		return fmt.Errorf("rtms.send_queue_size must be > 0")
	}
	if c.RTMS.ReadLimitBytes < 0 {
		return fmt.Errorf("rtms.read_limit_bytes must be >= 0")
	}

	// Capture
	switch c.Capture.Device {
	case "synthetic", "mediadevices":
	case "file":
		if c.Capture.AudioFile == "" {
			return fmt.Errorf("capture.audio_file must be set when capture.device=file")
		}
	default:
		return fmt.Errorf("capture.device must be one of synthetic, file, mediadevices")
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 60 {
		return fmt.Errorf("capture.fps must be in (0, 60]")
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("capture.jpeg_quality must be in [1, 100]")
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("capture.width and capture.height must be > 0")
	}
	if c.Capture.SampleRate != 16000 {
		return fmt.Errorf("capture.sample_rate must be 16000")
	}
	if c.Capture.Channels != 1 {
		return fmt.Errorf("capture.channels must be 1")
	}

	// Monitoring
	if c.Monitoring.HealthInterval <= 0 {
		return fmt.Errorf("monitoring.health_interval must be > 0")
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
		if c.Redis.SessionTTL <= 0 {
			return fmt.Errorf("redis.session_ttl must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
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

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Webhook.Path = "/webhook"

	cfg.RTMS.HandshakeTimeout = 10 * time.Second
	cfg.RTMS.KeepAliveTimeout = 0
	cfg.RTMS.WriteTimeout = 10 * time.Second
	cfg.RTMS.SendQueueSize = 256
	cfg.RTMS.ReadLimitBytes = 1 << 20

	cfg.Capture.Device = "synthetic"
	cfg.Capture.FPS = 15
	cfg.Capture.JPEGQuality = 85
	cfg.Capture.Width = 1280
	cfg.Capture.Height = 720
	cfg.Capture.SampleRate = 16000
	cfg.Capture.Channels = 1

	cfg.Sandbox.Address = ":9092"
	cfg.Sandbox.PublicURL = "ws://localhost:9092"
	cfg.Sandbox.KeepAliveInterval = 15 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.SessionTTL = 4 * time.Hour

	cfg.Auth.Enabled = false
	cfg.Auth.AccessTokenTTL = 15 * time.Minute

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100
	cfg.RateLimiting.MaxConcurrent = 0

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "rtmsrelay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("RTMS_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("RTMS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RTMS_WEBHOOK_SECRET"); secret != "" {
		c.Webhook.Secret = secret
	}
	if id := os.Getenv("RTMS_CLIENT_ID"); id != "" {
		c.RTMS.ClientID = id
	}
	if secret := os.Getenv("RTMS_CLIENT_SECRET"); secret != "" {
		c.RTMS.ClientSecret = secret
	}
	if v := os.Getenv("RTMS_INSECURE_SKIP_VERIFY"); v != "" {
		if skip, err := strconv.ParseBool(v); err == nil {
			c.RTMS.InsecureSkipVerify = skip
		}
	}
	if device := os.Getenv("RTMS_CAPTURE_DEVICE"); device != "" {
		c.Capture.Device = device
	}
	if addr := os.Getenv("RTMS_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if secret := os.Getenv("RTMS_JWT_SECRET"); secret != "" {
		c.Auth.Enabled = true
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv("RTMS_API_KEY"); key != "" {
		c.Auth.APIKey = key
	}
}
