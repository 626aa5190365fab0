package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fleetmesh/fleetmesh"
	"github.com/fleetmesh/fleetmesh/utils/env"
)

// Config represents the full application configuration
type Config struct {
	// Valkey (open-source version of Redis) endpoint for shared rate limiting
	// and caching state. Empty means in-memory state. E.g., localhost:6379
	ValkeyEndpoint string `yaml:"valkey_endpoint"`

	// Path to the SQLite database holding health, capability, cost and
	// feedback records. Empty means in-memory records only.
	DatabasePath string `yaml:"database_path"`

	// API key to access the fleetmesh service. The user should provide this
	// key in the Authorization header with the Bearer scheme. Empty disables
	// authentication.
	APIKey string `yaml:"api_key"`

	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Monthly spend ceiling in USD. Zero disables budget warnings.
	BudgetCeiling float64 `yaml:"budget_ceiling"`

	// TTL for cached responses. E.g., 5m
	CacheTTL string `yaml:"cache_ttl"`

	// Upper bound on in-memory cache size in bytes. Ignored when a Valkey
	// endpoint is configured.
	CacheMaxBytes int64 `yaml:"cache_max_bytes"`

	// Interval between background health probes. E.g., 1m. Zero or negative
	// disables probing.
	ProbeInterval string `yaml:"probe_interval"`

	// Per-attempt provider call timeout. E.g., 30s
	CallTimeout string `yaml:"call_timeout"`

	// Fraction of dispatches that ignore learned rankings. E.g., 0.1
	Epsilon float64 `yaml:"epsilon"`

	// The serving fleet.
	Providers []fleetmesh.Provider `yaml:"providers"`
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	// Setting default values
	config := Config{
		Port:          8080,
		CacheTTL:      "5m",
		ProbeInterval: "1m",
		CallTimeout:   "30s",
		Epsilon:       0.1,
	}

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.DatabasePath = env.OptionalStringVariable("DATABASE_PATH", config.DatabasePath)
	config.APIKey = env.OptionalStringVariable("FLEETMESH_API_KEY", config.APIKey)
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.BudgetCeiling = env.OptionalFloat64Variable("BUDGET_CEILING", config.BudgetCeiling)
	config.CacheTTL = env.OptionalStringVariable("CACHE_TTL", config.CacheTTL)
	config.ProbeInterval = env.OptionalStringVariable("PROBE_INTERVAL", config.ProbeInterval)
	config.CallTimeout = env.OptionalStringVariable("CALL_TIMEOUT", config.CallTimeout)

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		provider := &c.Providers[i]
		if provider.Name == "" {
			return fmt.Errorf("provider at index %d has no name", i)
		}
		if seen[provider.Name] {
			return fmt.Errorf("duplicate provider name: %s", provider.Name)
		}
		seen[provider.Name] = true

		if !fleetmesh.ValidTier(provider.Tier) {
			return fmt.Errorf("provider %s has invalid tier: %s", provider.Name, provider.Tier)
		}

		switch provider.Protocol {
		case fleetmesh.ProtocolOpenAI, fleetmesh.ProtocolOllama:
			if provider.BaseURL == "" {
				return fmt.Errorf("provider %s requires a base_url for protocol %s", provider.Name, provider.Protocol)
			}
		case fleetmesh.ProtocolAnthropic, fleetmesh.ProtocolGemini:
		default:
			return fmt.Errorf("provider %s has unsupported protocol: %s", provider.Name, provider.Protocol)
		}

		if provider.Model == "" {
			return fmt.Errorf("provider %s has no model", provider.Name)
		}
	}
	return nil
}

// CacheTTLDuration parses the configured cache TTL.
func (c *Config) CacheTTLDuration() (time.Duration, error) {
	return time.ParseDuration(c.CacheTTL)
}

// ProbeIntervalDuration parses the configured probe interval.
func (c *Config) ProbeIntervalDuration() (time.Duration, error) {
	return time.ParseDuration(c.ProbeInterval)
}

// CallTimeoutDuration parses the configured call timeout.
func (c *Config) CallTimeoutDuration() (time.Duration, error) {
	return time.ParseDuration(c.CallTimeout)
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
