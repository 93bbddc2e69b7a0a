package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
)

const (
	DefaultHost           = "localhost"
	DefaultPort           = 6379
	DefaultProcessTimeout = 22222
	// timeoutMargin keeps the broker timeout below the process action timeout.
	timeoutMargin = 555
)

type Config struct {
	// Timeout is the process-wide action timeout in milliseconds.
	Timeout     int                `json:"timeout"`
	Origin      string             `json:"origin"`
	TopicPrefix string             `json:"topic_prefix"`
	Transport   Options            `json:"transport"`
	Types       map[string]Options `json:"types"`
	Listen      ListenConfig       `json:"listen"`
	Client      ClientConfig       `json:"client"`
	Gateway     GatewayConfig      `json:"gateway"`
	Store       StoreConfig        `json:"store"`
	Log         LogConfig          `json:"log"`
	Routes      []Route            `json:"routes"`
}

// Options are the broker connection options of one layer. Zero fields are unset.
type Options struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// URL overrides Host and Port when present.
	URL string `json:"url,omitempty"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout,omitempty"`
}

type ListenConfig struct {
	Enabled bool    `json:"enabled"`
	Type    string  `json:"type"`
	Options Options `json:"options"`
}

type ClientConfig struct {
	Enabled bool     `json:"enabled"`
	Type    string   `json:"type"`
	Topics  []string `json:"topics"`
	Options Options  `json:"options"`
	// ExpireIntervalSeconds is how often stale pending requests are failed.
	ExpireIntervalSeconds int `json:"expire_interval_seconds"`
}

type GatewayConfig struct {
	Enabled        bool   `json:"enabled"`
	ListenAddr     string `json:"listen_addr"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	PanelPath      string `json:"panel_path"`
	PanelAuthToken string `json:"panel_auth_token"`
}

type StoreConfig struct {
	RedisAddr string `json:"redis_addr"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

type Route struct {
	TargetID string `json:"target_id"`
	Topic    string `json:"topic"`
}

func Default() Config {
	return Config{
		Timeout: DefaultProcessTimeout,
		Transport: Options{
			URL: os.Getenv("REDIS_URL"),
		},
		Listen: ListenConfig{
			Enabled: true,
			Type:    "redis",
		},
		Client: ClientConfig{
			Enabled:               false,
			Type:                  "redis",
			ExpireIntervalSeconds: 5,
		},
		Gateway: GatewayConfig{
			Enabled:        false,
			ListenAddr:     ":8080",
			PanelPath:      "/ws/panel",
			PanelAuthToken: os.Getenv("PANEL_AUTH_TOKEN"),
		},
		Store: StoreConfig{
			RedisAddr: os.Getenv("REDIS_ADDR"),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a JSON config file. Comments and trailing commas are accepted.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config failed: %w", err)
	}

	content, err = hujson.Standardize(content)
	if err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}
	if err := json.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config failed: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProcessTimeout
	}
	if cfg.Listen.Type == "" {
		cfg.Listen.Type = "redis"
	}
	if cfg.Client.Type == "" {
		cfg.Client.Type = "redis"
	}
	if cfg.Client.ExpireIntervalSeconds <= 0 {
		cfg.Client.ExpireIntervalSeconds = 5
	}
	if cfg.Gateway.PanelPath == "" {
		cfg.Gateway.PanelPath = "/ws/panel"
	}
	if cfg.Gateway.ListenAddr == "" {
		if cfg.Gateway.Host != "" && cfg.Gateway.Port > 0 {
			cfg.Gateway.ListenAddr = fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
		} else {
			cfg.Gateway.ListenAddr = ":8080"
		}
	}

	return cfg, nil
}

// Builtin returns the bottom option layer for a process action timeout.
func Builtin(processTimeout int) Options {
	timeout := DefaultProcessTimeout
	if processTimeout > timeoutMargin {
		timeout = processTimeout - timeoutMargin
	}
	return Options{
		Host:    DefaultHost,
		Port:    DefaultPort,
		Timeout: timeout,
	}
}

// Merge overlays layers from lowest to highest precedence. Zero fields of a
// later layer leave earlier values in place.
func Merge(layers ...Options) Options {
	var out Options
	for _, l := range layers {
		if l.Host != "" {
			out.Host = l.Host
		}
		if l.Port != 0 {
			out.Port = l.Port
		}
		if l.URL != "" {
			out.URL = l.URL
		}
		if l.Timeout != 0 {
			out.Timeout = l.Timeout
		}
	}
	return out
}

// Resolve merges builtin defaults, transport-wide, per-type and per-call options
// in that order. The first of typeKeys present in Types is the per-type layer.
func (c Config) Resolve(call Options, typeKeys ...string) Options {
	var perType Options
	for _, key := range typeKeys {
		if o, ok := c.Types[key]; ok {
			perType = o
			break
		}
	}
	return Merge(Builtin(c.Timeout), c.Transport, perType, call)
}

// Addr is the host:port pair used when no URL is configured.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Millisecond
}
