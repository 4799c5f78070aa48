package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Websocket pump settings shared by the gateway.
const (
	// Time allowed to write a message to the peer.
	WriteWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	PongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod = (PongWait * 9) / 10
	// Maximum message size allowed from peer.
	MaxMessageSize = 4096
)

// Transport kinds accepted by Config.Transport.
const (
	TransportNATS   = "nats"
	TransportCable  = "cable"
	TransportMemory = "memory"
)

type Config struct {
	ServerAddr string `env:"CHAT_SERVER_ADDR" yaml:"server_addr"`
	LogLevel   string `env:"CHAT_LOG_LEVEL"   yaml:"log_level"`

	Transport     string `env:"CHAT_TRANSPORT"      yaml:"transport"`
	NatsURL       string `env:"CHAT_NATS_URL"       yaml:"nats_url"`
	StreamName    string `env:"CHAT_STREAM_NAME"    yaml:"stream_name"`
	SubjectPrefix string `env:"CHAT_SUBJECT_PREFIX" yaml:"subject_prefix"`
	CableURL      string `env:"CHAT_CABLE_URL"      yaml:"cable_url"`

	APIBaseURL     string        `env:"CHAT_API_BASE_URL"    yaml:"api_base_url"`
	APIToken       string        `env:"CHAT_API_TOKEN"       yaml:"api_token"`
	RequestTimeout time.Duration `env:"CHAT_REQUEST_TIMEOUT" yaml:"request_timeout"`

	// SendRate is the sustained number of sends per second a view may issue. Zero disables limiting.
	SendRate  float64 `env:"CHAT_SEND_RATE"  yaml:"send_rate"`
	SendBurst int     `env:"CHAT_SEND_BURST" yaml:"send_burst"`

	UserID   int64  `env:"CHAT_USER_ID"   yaml:"user_id"`
	UserName string `env:"CHAT_USER_NAME" yaml:"user_name"`
}

func DefaultConfig() *Config {
	return &Config{
		ServerAddr:     ":8080",
		LogLevel:       "info",
		Transport:      TransportNATS,
		NatsURL:        "nats://127.0.0.1:4222",
		StreamName:     "CHAT_CHANNELS",
		SubjectPrefix:  "chat",
		CableURL:       "ws://127.0.0.1:3000/cable",
		APIBaseURL:     "http://127.0.0.1:3000",
		RequestTimeout: 15 * time.Second,
		SendRate:       5,
		SendBurst:      10,
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env file
// in the working directory, and finally the process environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportNATS:
		if c.NatsURL == "" {
			return errors.New("nats_url is required for the nats transport")
		}
		if c.SubjectPrefix == "" {
			return errors.New("subject_prefix is required for the nats transport")
		}
	case TransportCable:
		if c.CableURL == "" {
			return errors.New("cable_url is required for the cable transport")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.APIBaseURL == "" {
		return errors.New("api_base_url is required")
	}
	if c.SendRate < 0 || c.SendBurst < 0 {
		return errors.New("send_rate and send_burst must not be negative")
	}
	return nil
}
