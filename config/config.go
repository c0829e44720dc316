package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerConfig struct {
	HttpBinding string `yaml:"httpBinding"`
	TLS         TLS    `yaml:"tls"`
	// Seconds a client should wait before reconnecting after a drop.
	// Communicated to every client as milliseconds in the connected event.
	RetryTime int `yaml:"retryTime"`
	// Shared secret required on the event ingest endpoint.
	IngestSecret string `yaml:"ingestSecret"`
}

type SessionsConfig struct {
	SendBufferSize           int `yaml:"sendBufferSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type ResolverConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	// Zero disables resolution caching entirely; revocation latency is
	// bounded by this value when set.
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Stream  RateLimiterConfig `yaml:"stream"`
	Events  RateLimiterConfig `yaml:"events"`
	Default RateLimiterConfig `yaml:"default"`
}

// AnonymousPolicy decides what happens to an anonymous single-topic
// connection when its only topic is removed.
type AnonymousPolicy string

const (
	AnonymousPolicyClose AnonymousPolicy = "close"
	AnonymousPolicyKeep  AnonymousPolicy = "keep"
)

type QueueConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

type Config struct {
	Server             ServerConfig    `yaml:"server"`
	Sessions           SessionsConfig  `yaml:"sessions"`
	Resolver           ResolverConfig  `yaml:"resolver"`
	RateLimiters       RateLimiters    `yaml:"rateLimiters"`
	Queue              QueueConfig     `yaml:"queue"`
	OnLastTopicRemoved AnonymousPolicy `yaml:"onLastTopicRemoved"`
}

var (
	ErrConfigFileUnreadable            = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable        = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing              = errors.New("server.httpBinding is missing in config")
	ErrRetryTimeMissing                = errors.New("server.retryTime is missing or invalid in config")
	ErrResolverEndpointMissing         = errors.New("resolver.endpoint is missing in config")
	ErrResolverTimeoutMissing          = errors.New("resolver.timeout is missing or invalid in config")
	ErrTLSMissing                      = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrSessionsSendBufferSizeMissing   = errors.New("sessions.sendBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing   = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrOnLastTopicRemovedInvalid       = errors.New("onLastTopicRemoved must be 'close' or 'keep'")
	ErrRateLimitersStreamLimitMissing  = errors.New("rateLimiters.stream.limit is missing in config")
	ErrRateLimitersEventsLimitMissing  = errors.New("rateLimiters.events.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing = errors.New("rateLimiters.default.limit is missing in config")
)

// RetryMillis is the retry hint carried by every connected event.
func (c *Config) RetryMillis() int64 {
	return int64(c.Server.RetryTime) * 1000
}

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.Server.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}
	if cfg.Server.RetryTime <= 0 {
		return nil, ErrRetryTimeMissing
	}
	if (cfg.Server.TLS.Cert == "") != (cfg.Server.TLS.Key == "") {
		return nil, ErrTLSMissing
	}
	if cfg.Resolver.Endpoint == "" {
		return nil, ErrResolverEndpointMissing
	}
	if cfg.Resolver.Timeout <= 0 {
		return nil, ErrResolverTimeoutMissing
	}
	if cfg.Sessions.SendBufferSize <= 0 {
		return nil, ErrSessionsSendBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return nil, ErrSessionsMaxConnectionsMissing
	}
	if cfg.RateLimiters.Stream.Limit <= 0 {
		return nil, ErrRateLimitersStreamLimitMissing
	}
	if cfg.RateLimiters.Events.Limit <= 0 {
		return nil, ErrRateLimitersEventsLimitMissing
	}
	if cfg.RateLimiters.Default.Limit <= 0 {
		return nil, ErrRateLimitersDefaultLimitMissing
	}

	applyDefaults(&cfg)

	switch cfg.OnLastTopicRemoved {
	case AnonymousPolicyClose, AnonymousPolicyKeep:
	default:
		return nil, ErrOnLastTopicRemovedInvalid
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		cfg.Sessions.WebSocketReadBufferSize = 1024
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		cfg.Sessions.WebSocketWriteBufferSize = 1024
	}
	if cfg.Queue.BufferSize <= 0 {
		cfg.Queue.BufferSize = 1024
	}
	if cfg.OnLastTopicRemoved == "" {
		cfg.OnLastTopicRemoved = AnonymousPolicyKeep
	}
}

// Default returns a configuration suitable for local development and tests.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HttpBinding: "127.0.0.1:8080",
			RetryTime:   10,
		},
		Sessions: SessionsConfig{
			SendBufferSize: 256,
			MaxConnections: 1024,
		},
		Resolver: ResolverConfig{
			Endpoint: "http://127.0.0.1:9090",
			Timeout:  5 * time.Second,
		},
		RateLimiters: RateLimiters{
			Stream:  RateLimiterConfig{Limit: 10, Burst: 20},
			Events:  RateLimiterConfig{Limit: 100, Burst: 200},
			Default: RateLimiterConfig{Limit: 25, Burst: 50},
		},
	}
	applyDefaults(cfg)
	return cfg
}
