package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms" validate:"gte=0"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" validate:"gte=0"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms" validate:"gte=0"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" validate:"gte=0"`

	// TrustProxy enables X-Forwarded-For / X-Real-IP resolution. Only set
	// it when a proxy you control sits in front of the gateway.
	TrustProxy bool `yaml:"trust_proxy"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

// Ops is the internal listener: metrics, health, pprof.
type Ops struct {
	Addr        string `yaml:"addr"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// LimitSpec is a request budget: Requests per Window. Burst only applies to
// the bucket strategy.
type LimitSpec struct {
	Requests int `yaml:"requests" validate:"gte=0"`
	WindowMS int `yaml:"window_ms" validate:"gte=0"`
	Burst    int `yaml:"burst" validate:"gte=0"`
}

func (l LimitSpec) Window() time.Duration {
	return time.Duration(l.WindowMS) * time.Millisecond
}

type Limits struct {
	Strategy        string    `yaml:"strategy" validate:"oneof=sliding bucket"`
	Backend         string    `yaml:"backend" validate:"oneof=memory redis"`
	Default         LimitSpec `yaml:"default"`
	SweepIntervalMS int       `yaml:"sweep_interval_ms" validate:"gte=0"`
	MaxClients      int       `yaml:"max_clients" validate:"gte=0"`
}

func (l Limits) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalMS) * time.Millisecond
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type APIKey struct {
	ID       string            `yaml:"id" validate:"required"`
	Secret   string            `yaml:"secret" validate:"required"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys" validate:"dive"`
}

type Routes struct {
	ID    string `yaml:"id" validate:"required"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix" validate:"required"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url" validate:"required,url"`
		TimeoutMS int    `yaml:"timeout_ms" validate:"gte=0"`
	} `yaml:"upstream"`

	// Limit overrides the default policy on this route; LimitOverrides maps
	// auth key IDs to their own budgets.
	Limit          LimitSpec            `yaml:"limit"`
	LimitOverrides map[string]LimitSpec `yaml:"limit_overrides" validate:"dive"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Ops           Ops           `yaml:"ops"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Redis         Redis         `yaml:"redis"`
	Routes        []Routes      `yaml:"routes" validate:"dive"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

var validate = validator.New(validator.WithRequiredStructEnabled())

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.Limits.Backend == "redis" && cfg.Redis.Addr == "" {
		return nil, errors.New("config: redis backend requires redis.addr")
	}

	return &cfg, nil
}

func (cfg *Root) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = ":9090"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Limits.Strategy == "" {
		cfg.Limits.Strategy = "sliding"
	}
	if cfg.Limits.Backend == "" {
		cfg.Limits.Backend = "memory"
	}
	if cfg.Limits.Default.Requests <= 0 {
		cfg.Limits.Default.Requests = 60
	}
	if cfg.Limits.Default.WindowMS <= 0 {
		cfg.Limits.Default.WindowMS = 60000
	}
	if cfg.Limits.SweepIntervalMS <= 0 {
		cfg.Limits.SweepIntervalMS = 60000
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
}
