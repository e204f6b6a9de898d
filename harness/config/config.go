package config

import (
	"fmt"
	"time"

	"github.com/prometheus/common/model"
)

// Environment identifies which deployment profile the harness targets.
type Environment string

const (
	EnvLocal   Environment = "local"
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
)

// ServiceConfig describes one service under test: how to launch it, where to
// reach it, and how to decide it is ready.
type ServiceConfig struct {
	Name           string            `yaml:"name"`
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	TLS            bool              `yaml:"tls"`
	Command        []string          `yaml:"command"`
	Dir            string            `yaml:"dir"`
	Env            map[string]string `yaml:"env"`
	DependsOn      []string          `yaml:"depends_on"`
	HealthEndpoint string            `yaml:"health_endpoint"`
	HealthSchema   string            `yaml:"health_schema"`
	StartupTimeout model.Duration    `yaml:"startup_timeout"`
}

// BaseURL returns the http(s) base URL of the service.
func (s *ServiceConfig) BaseURL() string {
	scheme := "http"
	if s.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port)
}

// HealthURL returns the full URL polled by the health checker.
func (s *ServiceConfig) HealthURL() string {
	return s.BaseURL() + s.HealthEndpoint
}

// DatabaseConfig contains the PostgreSQL settings for the per-test
// transaction manager.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// ConnectionString builds a lib/pq connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode)
}

// StatusServerConfig controls the optional harness status API.
type StatusServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LLMConfig selects the LLM provider used by agent-facing test scenarios.
// The provider is chosen once at harness construction.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // openai, anthropic, gemini, mock
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// Config is the immutable test-environment configuration, resolved once at
// harness construction and read-only afterwards.
type Config struct {
	Environment         Environment         `yaml:"environment"`
	Services            []*ServiceConfig    `yaml:"services"`
	Database            *DatabaseConfig     `yaml:"database"`
	StatusServer        StatusServerConfig  `yaml:"status_server"`
	LLM                 *LLMConfig          `yaml:"llm"`
	PollInterval        model.Duration      `yaml:"poll_interval"`
	TotalStartupTimeout model.Duration      `yaml:"total_startup_timeout"`
	StopGracePeriod     model.Duration      `yaml:"stop_grace_period"`
	WebSocketPath       string              `yaml:"websocket_path"`
	WebSocketService    string              `yaml:"websocket_service"`
	EnvAllowList        []string            `yaml:"env_allow_list"`
}

const (
	defaultHealthEndpoint      = "/health"
	defaultPollInterval        = 500 * time.Millisecond
	defaultStartupTimeout      = 30 * time.Second
	defaultTotalStartupTimeout = 60 * time.Second
	defaultStopGracePeriod     = 5 * time.Second
	defaultWebSocketPath       = "/ws"
	defaultWebSocketService    = "backend"
)

// Service returns the configuration for the named service, or nil.
func (c *Config) Service(name string) *ServiceConfig {
	for _, s := range c.Services {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// applyDefaults fills in zero-valued optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = EnvLocal
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = model.Duration(defaultPollInterval)
	}
	if cfg.TotalStartupTimeout == 0 {
		cfg.TotalStartupTimeout = model.Duration(defaultTotalStartupTimeout)
	}
	if cfg.StopGracePeriod == 0 {
		cfg.StopGracePeriod = model.Duration(defaultStopGracePeriod)
	}
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = defaultWebSocketPath
	}
	if cfg.WebSocketService == "" {
		cfg.WebSocketService = defaultWebSocketService
	}
	for _, svc := range cfg.Services {
		if svc.Host == "" {
			svc.Host = "127.0.0.1"
		}
		if svc.HealthEndpoint == "" {
			svc.HealthEndpoint = defaultHealthEndpoint
		}
		if svc.StartupTimeout == 0 {
			svc.StartupTimeout = model.Duration(defaultStartupTimeout)
		}
	}
	if cfg.Database != nil {
		if cfg.Database.SSLMode == "" {
			cfg.Database.SSLMode = "disable"
		}
		if cfg.Database.MaxOpenConns == 0 {
			cfg.Database.MaxOpenConns = 10
		}
		if cfg.Database.MaxIdleConns == 0 {
			cfg.Database.MaxIdleConns = 5
		}
	}
}

// validateConfig performs validation on the loaded configuration.
func validateConfig(cfg *Config) error {
	switch cfg.Environment {
	case EnvLocal, EnvDev, EnvStaging:
	default:
		return fmt.Errorf("unknown environment %q", cfg.Environment)
	}

	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}

	seen := make(map[string]bool, len(cfg.Services))
	for _, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service name is required")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true

		if svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("service %s: invalid port %d", svc.Name, svc.Port)
		}
		if time.Duration(svc.StartupTimeout) <= 0 {
			return fmt.Errorf("service %s: startup_timeout must be positive", svc.Name)
		}
	}

	for _, svc := range cfg.Services {
		for _, dep := range svc.DependsOn {
			if dep == svc.Name {
				return fmt.Errorf("service %s depends on itself", svc.Name)
			}
			if !seen[dep] {
				return fmt.Errorf("service %s depends on unknown service %q", svc.Name, dep)
			}
		}
	}

	if err := checkDependencyCycles(cfg.Services); err != nil {
		return err
	}

	if cfg.Service(cfg.WebSocketService) == nil {
		return fmt.Errorf("websocket_service %q is not a configured service", cfg.WebSocketService)
	}

	if cfg.LLM != nil {
		switch cfg.LLM.Provider {
		case "openai", "anthropic", "gemini", "mock":
		default:
			return fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
		}
	}

	return nil
}

// checkDependencyCycles rejects configurations whose depends_on graph is not
// a DAG.
func checkDependencyCycles(services []*ServiceConfig) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	byName := make(map[string]*ServiceConfig, len(services))
	for _, s := range services {
		byName[s.Name] = s
	}
	state := make(map[string]int, len(services))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("dependency cycle involving service %q", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, s := range services {
		if err := visit(s.Name); err != nil {
			return err
		}
	}
	return nil
}
