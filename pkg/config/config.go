// Package config loads and validates the gateway configuration from a YAML
// file and MODELRELAY_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the gateway's top-level configuration.
type Config struct {
	// Host and Port define the listen address.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`

	// Redis configures the shared token cache. When disabled, tokens are
	// cached in process memory.
	Redis RedisConfig `mapstructure:"redis"`

	// Providers lists the identity providers the gateway federates with.
	Providers []ProviderConfig `mapstructure:"providers"`
}

// RedisConfig configures the Redis-backed token cache.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ProviderConfig configures one identity provider.
type ProviderConfig struct {
	Name         string `mapstructure:"name"`
	WellKnownURL string `mapstructure:"well_known_url"`
	ClientID     string `mapstructure:"client_id"`

	// ClientSecret may be set directly or via ClientSecretEnv, which names
	// an environment variable holding it. The env var wins.
	ClientSecret    string `mapstructure:"client_secret"`
	ClientSecretEnv string `mapstructure:"client_secret_env"`

	// PrivateKeyFile points at a PEM-encoded RSA key. When set, the
	// gateway authenticates with a signed assertion instead of the secret.
	PrivateKeyFile string `mapstructure:"private_key_file"`
	PrivateKeyPEM  []byte `mapstructure:"-"`

	RedirectURI string   `mapstructure:"redirect_uri"`
	Scopes      []string `mapstructure:"scopes"`

	// AllowedRedirectHosts restricts where a login's post-callback redirect
	// may send the browser. Empty means any http(s) destination.
	AllowedRedirectHosts []string `mapstructure:"allowed_redirect_hosts"`

	// Issuer and Audience constrain tokens verified against this provider.
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`

	// ExchangeAudience, when set, enables the post-callback token exchange.
	ExchangeAudience string `mapstructure:"exchange_audience"`

	// ServiceAuth enables a client_credentials token manager for this
	// provider.
	ServiceAuth bool `mapstructure:"service_auth"`
}

// Load reads the configuration file (optional when path is empty) and the
// environment, then resolves secrets and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("redis.key_prefix", "modelrelay:auth:")

	v.SetEnvPrefix("MODELRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Providers {
		if err := resolveProviderSecrets(&cfg.Providers[i]); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveProviderSecrets pulls the client secret from the environment and
// loads the private key file.
func resolveProviderSecrets(p *ProviderConfig) error {
	if p.ClientSecretEnv != "" {
		if secret := os.Getenv(p.ClientSecretEnv); secret != "" {
			p.ClientSecret = secret
		}
	}
	if p.PrivateKeyFile != "" {
		pem, err := os.ReadFile(p.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("provider %s: read private key file: %w", p.Name, err)
		}
		p.PrivateKeyPEM = pem
	}
	return nil
}

// Validate checks the configuration, failing fast on the first problem.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.WellKnownURL == "" {
			return fmt.Errorf("provider %s: well_known_url is required", p.Name)
		}
		if p.ClientID == "" {
			return fmt.Errorf("provider %s: client_id is required", p.Name)
		}
		if p.RedirectURI == "" {
			return fmt.Errorf("provider %s: redirect_uri is required", p.Name)
		}
		if p.ServiceAuth && p.ClientSecret == "" && len(p.PrivateKeyPEM) == 0 {
			return fmt.Errorf("provider %s: service_auth requires a client secret or private key", p.Name)
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when redis is enabled")
		}
		if c.Redis.KeyPrefix == "" {
			return fmt.Errorf("redis.key_prefix is required when redis is enabled")
		}
	}

	return nil
}

// Provider returns the named provider configuration.
func (c *Config) Provider(name string) (*ProviderConfig, bool) {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// ListenAddr formats the host and port for net.Listen.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
