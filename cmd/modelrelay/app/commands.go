// Package app provides the entry point for the modelrelay command-line
// application.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/modelrelay/modelrelay/pkg/auth/discovery"
	"github.com/modelrelay/modelrelay/pkg/auth/exchange"
	"github.com/modelrelay/modelrelay/pkg/auth/flow"
	"github.com/modelrelay/modelrelay/pkg/auth/jwks"
	"github.com/modelrelay/modelrelay/pkg/auth/service"
	"github.com/modelrelay/modelrelay/pkg/auth/tokencache"
	"github.com/modelrelay/modelrelay/pkg/auth/verifier"
	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/logger"
	"github.com/modelrelay/modelrelay/pkg/server"
	"github.com/modelrelay/modelrelay/pkg/telemetry"
	"github.com/modelrelay/modelrelay/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "modelrelay",
	DisableAutoGenTag: true,
	Short:             "ModelRelay - authentication gateway for LLM providers",
	Long: `ModelRelay is the authentication subsystem of an OpenAI-compatible LLM
gateway. It federates with OIDC identity providers and provides:

- Browser login with authorization code + PKCE
- RFC 8693 token exchange for audience-scoped tokens
- A shared token cache (in-memory or Redis)
- Bearer token verification against provider key sets
- Service tokens via the client_credentials grant`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the modelrelay CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newValidateCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the auth gateway",
		Long: `Start the auth gateway HTTP server.

The server reads the configuration file specified by --config and serves the
login, callback, token, and verification endpoints for every configured
identity provider.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(versions.GetVersionInfo())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration loading failed: %w", err)
			}

			logger.Infof("Configuration is valid")
			logger.Infof("  Listen: %s", cfg.ListenAddr())
			logger.Infof("  Providers: %d", len(cfg.Providers))
			for _, p := range cfg.Providers {
				logger.Infof("    %s (%s)", p.Name, p.WellKnownURL)
			}
			if cfg.Redis.Enabled {
				logger.Infof("  Token cache: redis at %s", cfg.Redis.Addr)
			} else {
				logger.Infof("  Token cache: in-memory")
			}
			return nil
		},
	}
}

// runServe implements the serve command logic.
func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")
	if configPath == "" {
		return fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Infof("Loading configuration from: %s", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("Failed to close token store: %v", err)
		}
	}()

	reader := discovery.NewReader(nil)

	providers := make([]flow.ProviderConfig, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, flow.ProviderConfig{
			Name:                 p.Name,
			WellKnownURL:         p.WellKnownURL,
			ClientID:             p.ClientID,
			ClientSecret:         p.ClientSecret,
			PrivateKeyPEM:        p.PrivateKeyPEM,
			RedirectURI:          p.RedirectURI,
			Scopes:               p.Scopes,
			ExchangeAudience:     p.ExchangeAudience,
			AllowedRedirectHosts: p.AllowedRedirectHosts,
		})
	}

	controller, err := flow.NewController(providers, reader, store, nil)
	if err != nil {
		return fmt.Errorf("create flow controller: %w", err)
	}

	metrics, err := telemetry.New()
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	keyset := jwks.NewCache(jwksResolver(cfg, reader), nil, jwks.DefaultTTL)

	verifiers := make(map[string]*verifier.Verifier, len(cfg.Providers))
	for _, p := range cfg.Providers {
		verifiers[p.Name] = verifier.New(verifier.Config{
			Provider: p.Name,
			Issuer:   p.Issuer,
			Audience: p.Audience,
		}, keyset)
	}

	registry, err := newServiceRegistry(ctx, cfg, reader, metrics)
	if err != nil {
		return err
	}

	logger.Infow("starting auth gateway",
		"providers", len(cfg.Providers), "listen", cfg.ListenAddr())

	return server.Serve(ctx, cfg.ListenAddr(), server.Deps{
		Flow:      controller,
		Store:     store,
		Verifiers: verifiers,
		Services:  registry,
		Metrics:   metrics,
	})
}

// newStore builds the configured token cache backend.
func newStore(ctx context.Context, cfg *config.Config) (tokencache.Store, error) {
	if !cfg.Redis.Enabled {
		logger.Info("Using in-memory token cache")
		return tokencache.NewMemoryStore(), nil
	}

	store, err := tokencache.NewRedisStore(ctx, tokencache.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Username:  cfg.Redis.Username,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Redis.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Infof("Using redis token cache at %s", cfg.Redis.Addr)
	return store, nil
}

// jwksResolver maps provider names to JWKS URIs via discovery.
func jwksResolver(cfg *config.Config, reader *discovery.Reader) jwks.URIResolver {
	return func(ctx context.Context, provider string) (string, error) {
		p, ok := cfg.Provider(provider)
		if !ok {
			return "", fmt.Errorf("unknown provider %q", provider)
		}
		doc, err := reader.Fetch(ctx, p.WellKnownURL)
		if err != nil {
			return "", err
		}
		if doc.JWKSURI == "" {
			return "", fmt.Errorf("provider %q publishes no jwks_uri", provider)
		}
		return doc.JWKSURI, nil
	}
}

// countingIssuer wraps an issuer with the service token counter.
type countingIssuer struct {
	provider string
	issuer   service.Issuer
	metrics  *telemetry.Metrics
}

func (c *countingIssuer) ClientCredentialsToken(ctx context.Context) (*exchange.TokenResponse, error) {
	resp, err := c.issuer.ClientCredentialsToken(ctx)
	if err == nil {
		c.metrics.ServiceTokensIssued.WithLabelValues(c.provider).Inc()
	}
	return resp, err
}

// newServiceRegistry builds a token manager for every provider with service
// auth enabled. Token endpoints are resolved up front so misconfiguration
// fails at startup rather than on first use.
func newServiceRegistry(
	ctx context.Context,
	cfg *config.Config,
	reader *discovery.Reader,
	metrics *telemetry.Metrics,
) (*service.Registry, error) {
	registry := service.NewRegistry()
	for _, p := range cfg.Providers {
		if !p.ServiceAuth {
			continue
		}

		doc, err := reader.Fetch(ctx, p.WellKnownURL)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", p.Name, err)
		}

		client, err := exchange.NewClient(exchange.Config{
			TokenURL:      doc.TokenEndpoint,
			ClientID:      p.ClientID,
			ClientSecret:  p.ClientSecret,
			PrivateKeyPEM: p.PrivateKeyPEM,
			Audience:      p.Audience,
			Scopes:        p.Scopes,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}

		registry.Register(p.Name, service.NewManager(&countingIssuer{
			provider: p.Name,
			issuer:   client,
			metrics:  metrics,
		}))
		logger.Infof("Service token manager enabled for provider %s", p.Name)
	}
	return registry, nil
}
