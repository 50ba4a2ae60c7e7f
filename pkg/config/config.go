package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		Address        string        `yaml:"address"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		MaxChunkBytes  int64         `yaml:"max_chunk_bytes"`
		ChunkQueueSize int           `yaml:"chunk_queue_size"`
	} `yaml:"relay"`

	Transcode struct {
		FFmpegPath       string        `yaml:"ffmpeg_path"`
		IngestTemplate   string        `yaml:"ingest_template"`
		VideoBitrateKbps int           `yaml:"video_bitrate_kbps"`
		AudioBitrateKbps int           `yaml:"audio_bitrate_kbps"`
		KeyframeInterval int           `yaml:"keyframe_interval"`
		Preset           string        `yaml:"preset"`
		StopTimeout      time.Duration `yaml:"stop_timeout"`
	} `yaml:"transcode"`

	Client struct {
		RendezvousURL          string        `yaml:"rendezvous_url"`
		RelayURL               string        `yaml:"relay_url"`
		RelayReconnectDelay    time.Duration `yaml:"relay_reconnect_delay"`
		CloudReconnectDelay    time.Duration `yaml:"cloud_reconnect_delay"`
		CloudReconnectAttempts int           `yaml:"cloud_reconnect_attempts"`
		MaxRoomRotations       int           `yaml:"max_room_rotations"`
		ChunkBufferSize        int           `yaml:"chunk_buffer_size"`
		KeepaliveInterval      time.Duration `yaml:"keepalive_interval"`
	} `yaml:"client"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

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

	Auth struct {
		Enabled      bool          `yaml:"enabled"`
		SharedSecret string        `yaml:"shared_secret"`
		TokenTTL     time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
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

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.MaxChunkBytes <= 0 {
		return fmt.Errorf("relay.max_chunk_bytes must be > 0")
	}
	if c.Relay.ChunkQueueSize <= 0 {
		return fmt.Errorf("relay.chunk_queue_size must be > 0")
	}

	// Transcode
	if c.Transcode.FFmpegPath == "" {
		return fmt.Errorf("transcode.ffmpeg_path must not be empty")
	}
	if c.Transcode.IngestTemplate == "" {
		return fmt.Errorf("transcode.ingest_template must not be empty")
	}
	if c.Transcode.VideoBitrateKbps <= 0 {
		return fmt.Errorf("transcode.video_bitrate_kbps must be > 0")
	}
	if c.Transcode.AudioBitrateKbps <= 0 {
		return fmt.Errorf("transcode.audio_bitrate_kbps must be > 0")
	}
	if c.Transcode.KeyframeInterval <= 0 {
		return fmt.Errorf("transcode.keyframe_interval must be > 0")
	}
	if c.Transcode.StopTimeout <= 0 {
		return fmt.Errorf("transcode.stop_timeout must be > 0")
	}

	// Client
	if c.Client.RelayReconnectDelay <= 0 {
		return fmt.Errorf("client.relay_reconnect_delay must be > 0")
	}
	if c.Client.CloudReconnectDelay <= 0 {
		return fmt.Errorf("client.cloud_reconnect_delay must be > 0")
	}
	if c.Client.CloudReconnectAttempts <= 0 {
		return fmt.Errorf("client.cloud_reconnect_attempts must be > 0")
	}
	if c.Client.MaxRoomRotations <= 0 {
		return fmt.Errorf("client.max_room_rotations must be > 0")
	}
	if c.Client.ChunkBufferSize <= 0 {
		return fmt.Errorf("client.chunk_buffer_size must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
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

	// Auth
	if c.Auth.Enabled {
		if c.Auth.SharedSecret == "" {
			return fmt.Errorf("auth.shared_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth.enabled=true")
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.MaxChunkBytes = 1 << 20 // 1 MiB per binary frame
	cfg.Relay.ChunkQueueSize = 64

	cfg.Transcode.FFmpegPath = "ffmpeg"
	cfg.Transcode.IngestTemplate = "rtmp://a.rtmp.youtube.com/live2/%s"
	cfg.Transcode.VideoBitrateKbps = 4500
	cfg.Transcode.AudioBitrateKbps = 160
	cfg.Transcode.KeyframeInterval = 60
	cfg.Transcode.Preset = "veryfast"
	cfg.Transcode.StopTimeout = 5 * time.Second

	cfg.Client.RendezvousURL = "ws://localhost:8081/ws/rendezvous"
	cfg.Client.RelayURL = "ws://localhost:8081/ws/relay"
	cfg.Client.RelayReconnectDelay = 3 * time.Second
	cfg.Client.CloudReconnectDelay = 3 * time.Second
	cfg.Client.CloudReconnectAttempts = 5
	cfg.Client.MaxRoomRotations = 3
	cfg.Client.ChunkBufferSize = 32
	cfg.Client.KeepaliveInterval = 15 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.SharedSecret = ""
	cfg.Auth.TokenTTL = 12 * time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("AETHER_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("AETHER_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if level := os.Getenv("AETHER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("AETHER_SHARED_SECRET"); secret != "" {
		c.Auth.SharedSecret = secret
		c.Auth.Enabled = true
	}
	if path := os.Getenv("AETHER_FFMPEG_PATH"); path != "" {
		c.Transcode.FFmpegPath = path
	}
	if tmpl := os.Getenv("AETHER_INGEST_TEMPLATE"); tmpl != "" {
		c.Transcode.IngestTemplate = tmpl
	}
}
