// Package config holds the hashnav configuration and its loaders.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yshengliao/hashnav/pkg/circuitbreaker"
	"github.com/yshengliao/hashnav/pkg/httpclient"
	"github.com/yshengliao/hashnav/pkg/retry"
)

// DefaultEnvPrefix prefixes every environment variable read by the loaders.
const DefaultEnvPrefix = "HASHNAV_"

// Config represents the application configuration structure
type Config struct {
	Router  RouterConfig  `yaml:"router" env:"ROUTER"`
	Cache   CacheConfig   `yaml:"cache" env:"CACHE"`
	Retry   RetryConfig   `yaml:"retry" env:"RETRY"`
	HTTP    HTTPConfig    `yaml:"http" env:"HTTP"`
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`
	API     APIConfig     `yaml:"api" env:"API"`
	Server  ServerConfig  `yaml:"server" env:"SERVER"`
	Auth    AuthConfig    `yaml:"auth" env:"AUTH"`
	Logger  LoggerConfig  `yaml:"logger" env:"LOGGER"`
}

// RouterConfig configures the fragment router of the browse client.
type RouterConfig struct {
	DefaultPath string `yaml:"default_path" env:"DEFAULT_PATH" default:"/places" validate:"required,startswith=/"`
}

// CacheConfig configures both cache tiers.
type CacheConfig struct {
	TTL       time.Duration `yaml:"ttl" env:"TTL" default:"5m" validate:"gt=0"`
	Namespace string        `yaml:"namespace" env:"NAMESPACE" default:"hashnav:v1:" validate:"required"`
	// Store selects the durable tier: memory, file or postgres.
	Store         string        `yaml:"store" env:"STORE" default:"file" validate:"oneof=memory file postgres"`
	FilePath      string        `yaml:"file_path" env:"FILE_PATH" default:".hashnav/cache.json" validate:"required_if=Store file"`
	DatabaseURL   string        `yaml:"database_url" env:"DATABASE_URL" validate:"required_if=Store postgres"`
	Table         string        `yaml:"table" env:"TABLE" default:"hashnav_kv"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" default:"0s" validate:"gte=0"`
}

// RetryConfig bounds network attempts.
type RetryConfig struct {
	Retries   int           `yaml:"retries" env:"RETRIES" default:"2" validate:"gte=0,lte=10"`
	Backoff   time.Duration `yaml:"backoff" env:"BACKOFF" default:"250ms" validate:"gt=0"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT" default:"2500ms" validate:"gte=0"`
	MaxJitter time.Duration `yaml:"max_jitter" env:"MAX_JITTER" default:"120ms" validate:"gte=0"`
}

// HTTPConfig configures the outbound client.
type HTTPConfig struct {
	BaseURL             string        `yaml:"base_url" env:"BASE_URL" default:"http://localhost:8080" validate:"required,url"`
	UserAgent           string        `yaml:"user_agent" env:"USER_AGENT" default:"hashnav/1"`
	BearerToken         string        `yaml:"bearer_token" env:"BEARER_TOKEN"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS" default:"100" validate:"gte=0"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" env:"MAX_IDLE_CONNS_PER_HOST" default:"10" validate:"gte=0"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT" default:"90s"`
	DialTimeout         time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT" default:"5s"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout" env:"TLS_HANDSHAKE_TIMEOUT" default:"5s"`
	Timeout             time.Duration `yaml:"timeout" env:"TIMEOUT" default:"30s"`
	EnableMetrics       bool          `yaml:"enable_metrics" env:"ENABLE_METRICS" default:"true"`
}

// BreakerConfig configures the per-host circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED" default:"false"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD" default:"5" validate:"gte=1"`
	OpenTimeout      time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT" default:"30s" validate:"gt=0"`
}

// APIConfig configures the mock places API.
type APIConfig struct {
	DataFile  string        `yaml:"data_file" env:"DATA_FILE"`
	WatchData bool          `yaml:"watch_data" env:"WATCH_DATA" default:"true"`
	FailFirst int           `yaml:"fail_first" env:"FAIL_FIRST" default:"2" validate:"gte=0"`
	Latency   time.Duration `yaml:"latency" env:"LATENCY" default:"300ms" validate:"gte=0"`
	PageSize  int           `yaml:"page_size" env:"PAGE_SIZE" default:"9" validate:"gte=1,lte=100"`
	RateLimit int           `yaml:"rate_limit" env:"RATE_LIMIT" default:"20" validate:"gte=0"`
	RateBurst int           `yaml:"rate_burst" env:"RATE_BURST" default:"40" validate:"gte=0"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address      string          `yaml:"address" env:"ADDRESS" default:":8080" validate:"required"`
	ReadTimeout  time.Duration   `yaml:"read_timeout" env:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration   `yaml:"write_timeout" env:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration   `yaml:"idle_timeout" env:"IDLE_TIMEOUT" default:"120s"`
	CORS         bool            `yaml:"cors" env:"CORS" default:"true"`
	Recovery     bool            `yaml:"recovery" env:"RECOVERY" default:"true"`
	WebSocket    WebSocketConfig `yaml:"websocket" env:"WEBSOCKET"`
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" env:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" env:"WRITE_BUFFER_SIZE" default:"1024"`
	MaxMessageSize  int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE" default:"65536"`
	PongWait        time.Duration `yaml:"pong_wait" env:"PONG_WAIT" default:"60s"`
	PingPeriod      time.Duration `yaml:"ping_period" env:"PING_PERIOD" default:"54s" validate:"ltfield=PongWait"`
}

// AuthConfig configures the optional bearer token check of the API.
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED" default:"false"`
	SecretKey string        `yaml:"secret_key" env:"SECRET_KEY" validate:"required_if=Enabled true"`
	Issuer    string        `yaml:"issuer" env:"ISSUER" default:"hashnav"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL" default:"1h" validate:"gt=0"`
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level            string   `yaml:"level" env:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Encoding         string   `yaml:"encoding" env:"ENCODING" default:"json" validate:"oneof=json console"`
	Development      bool     `yaml:"development" env:"DEVELOPMENT" default:"false"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS" default:"stderr"`
	ErrorOutputPaths []string `yaml:"error_output_paths" env:"ERROR_OUTPUT_PATHS" default:"stderr"`
}

// Loader fills a configuration from its sources.
type Loader interface {
	Load(cfg *Config) error
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	policy := retry.DefaultPolicy()
	client := httpclient.DefaultConfig()
	breaker := circuitbreaker.DefaultConfig()

	return &Config{
		Router: RouterConfig{
			DefaultPath: "/places",
		},
		Cache: CacheConfig{
			TTL:       5 * time.Minute,
			Namespace: "hashnav:v1:",
			Store:     "file",
			FilePath:  ".hashnav/cache.json",
			Table:     "hashnav_kv",
		},
		Retry: RetryConfig{
			Retries:   policy.Retries,
			Backoff:   policy.Backoff,
			Timeout:   policy.Timeout,
			MaxJitter: policy.MaxJitter,
		},
		HTTP: HTTPConfig{
			BaseURL:             "http://localhost:8080",
			UserAgent:           client.UserAgent,
			MaxIdleConns:        client.MaxIdleConns,
			MaxIdleConnsPerHost: client.MaxIdleConnsPerHost,
			IdleConnTimeout:     client.IdleConnTimeout,
			DialTimeout:         client.DialTimeout,
			TLSHandshakeTimeout: client.TLSHandshakeTimeout,
			Timeout:             client.Timeout,
			EnableMetrics:       true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			OpenTimeout:      breaker.OpenTimeout,
		},
		API: APIConfig{
			WatchData: true,
			FailFirst: 2,
			Latency:   300 * time.Millisecond,
			PageSize:  9,
			RateLimit: 20,
			RateBurst: 40,
		},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			CORS:         true,
			Recovery:     true,
			WebSocket: WebSocketConfig{
				ReadBufferSize:  1024,
				WriteBufferSize: 1024,
				MaxMessageSize:  64 * 1024,
				PongWait:        60 * time.Second,
				PingPeriod:      54 * time.Second,
			},
		},
		Auth: AuthConfig{
			Issuer:   "hashnav",
			TokenTTL: time.Hour,
		},
		Logger: LoggerConfig{
			Level:            "info",
			Encoding:         "json",
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("invalid config: %w", err)
}

// Policy converts the retry settings.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		Retries:   r.Retries,
		Backoff:   r.Backoff,
		Timeout:   r.Timeout,
		MaxJitter: r.MaxJitter,
	}
}

// ClientConfig converts the HTTP settings.
func (h HTTPConfig) ClientConfig() httpclient.Config {
	c := httpclient.DefaultConfig()
	c.UserAgent = h.UserAgent
	c.BearerToken = h.BearerToken
	c.MaxIdleConns = h.MaxIdleConns
	c.MaxIdleConnsPerHost = h.MaxIdleConnsPerHost
	c.IdleConnTimeout = h.IdleConnTimeout
	c.DialTimeout = h.DialTimeout
	c.TLSHandshakeTimeout = h.TLSHandshakeTimeout
	c.Timeout = h.Timeout
	c.EnableMetrics = h.EnableMetrics
	return c
}

// BreakerSettings converts the breaker settings.
func (b BreakerConfig) BreakerSettings() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: b.FailureThreshold,
		OpenTimeout:      b.OpenTimeout,
	}
}
