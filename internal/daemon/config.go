// Package daemon wires the Store, EPUM reactor/decider, PDC core, and
// HTTP API into a single runnable process and manages its configuration
// and lifecycle, grounded on the teacher's internal/daemon package
// (TOML config + New/NewWithConfig/Serve/Close shape).
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/oldpatricka/epu/internal/infra/healing"
	"github.com/oldpatricka/epu/internal/infra/registry"
)

// Config holds all epud daemon configuration.
type Config struct {
	Node           NodeConfig           `toml:"node"`
	API            APIConfig            `toml:"api"`
	Store          StoreConfig          `toml:"store"`
	Decider        DeciderConfig        `toml:"decider"`
	Clients        ClientsConfig        `toml:"clients"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	Slack          SlackConfig          `toml:"slack"`
	Redis          RedisConfig          `toml:"redis"`
	Telemetry      TelemetryConfig      `toml:"telemetry"`

	// DeployableTypes seeds the EE registry at startup (spec.md §2's "EE
	// Registry": a static, TOML-loaded deployable_type -> EngineSpec table).
	DeployableTypes []registry.FileEntry `toml:"deployable_types"`
}

// NodeConfig identifies this worker and the owner namespace its PDC
// registers needs and domains under.
type NodeConfig struct {
	ID    string `toml:"id"`
	Owner string `toml:"owner"`
}

// APIConfig controls the HTTP API server exposing EPUM's and PDC's
// message handlers.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StoreConfig controls the SQLite-backed domain/instance store.
type StoreConfig struct {
	Dir string `toml:"dir"`
}

// DeciderConfig controls the EPUM decider's periodic leader-only loop
// (spec.md §4.5). This single-process daemon is always its own decider
// leader; IntervalSeconds paces decide cycles across all owned domains.
type DeciderConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// ClientsConfig points EPUM's and PDC's outbound seams (spec.md §6) at
// their collaborators. EPUMBaseURL defaults to this daemon's own HTTP
// surface, since EPUM and PDC run in the same process.
type ClientsConfig struct {
	ProvisionerBaseURL string `toml:"provisioner_base_url"`
	EEAgentURLTemplate string `toml:"ee_agent_url_template"` // "{ee_id}" substituted
	EPUMBaseURL        string `toml:"epum_base_url"`
}

// CircuitBreakerConfig tunes the circuit breaker wrapping every outbound
// provisioner/EE-agent/EPUM call (internal/infra/healing), so an
// operator can loosen or tighten transport-failure tolerance per
// deployment instead of living with the package's hardcoded defaults.
type CircuitBreakerConfig struct {
	FailureThreshold    int `toml:"failure_threshold"`
	ResetTimeoutSeconds int `toml:"reset_timeout_seconds"`
	HalfOpenMax         int `toml:"half_open_max"`
}

// Breaker converts the TOML-facing config into healing.CircuitBreakerConfig.
func (c CircuitBreakerConfig) Breaker() healing.CircuitBreakerConfig {
	cfg := healing.DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSeconds > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSeconds) * time.Second
	}
	if c.HalfOpenMax > 0 {
		cfg.HalfOpenMax = c.HalfOpenMax
	}
	return cfg
}

// SlackConfig enables the Slack subscriber sink.
type SlackConfig struct {
	BotToken string `toml:"bot_token"`
}

// RedisConfig enables the read-through domain cache in front of the
// store's hot-path reads.
type RedisConfig struct {
	URL        string `toml:"url"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// TelemetryConfig controls observability surfaces.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible single-node default configuration.
func DefaultConfig() Config {
	home := epuHome()
	return Config{
		Node: NodeConfig{
			Owner: "local",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8850,
		},
		Store: StoreConfig{
			Dir: home,
		},
		Decider: DeciderConfig{
			IntervalSeconds: 5,
		},
		Clients: ClientsConfig{
			ProvisionerBaseURL: "http://127.0.0.1:9000",
			EEAgentURLTemplate: "http://{ee_id}:8090",
			EPUMBaseURL:        "http://127.0.0.1:8850",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			ResetTimeoutSeconds: 30,
			HalfOpenMax:         3,
		},
		Redis: RedisConfig{
			TTLSeconds: 30,
		},
	}
}

// LoadConfig reads config from $EPU_HOME/config.toml, falling back to
// defaults when no file is present.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(epuHome(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to $EPU_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(epuHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// epuHome returns the epud data directory.
func epuHome() string {
	if env := os.Getenv("EPU_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".epu")
}

// EPUHome is exported for use by other packages (e.g. the CLI).
func EPUHome() string {
	return epuHome()
}
