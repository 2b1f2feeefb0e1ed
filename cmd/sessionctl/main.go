package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tailmate/sessionkit/internal/credstore"
	"github.com/tailmate/sessionkit/internal/credstorepg"
	"github.com/tailmate/sessionkit/internal/identity"
	"github.com/tailmate/sessionkit/internal/lifecycle"
	"github.com/tailmate/sessionkit/internal/profile"
	"github.com/tailmate/sessionkit/internal/recovery"
	"github.com/tailmate/sessionkit/internal/token"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	configCodeMissingProfileAPI   = "config.missing_profile_api_url"
	configCodeMissingBackends     = "config.missing_identity_backends"
	configCodeUninitializedConfig = "config.uninitialized_session_config"
)

// SessionConfig carries everything the subcommands need to assemble the
// session components.
type SessionConfig struct {
	AuthGatewayURL    string
	SessionHandle     string
	FederatedAPIKey   string
	FederatedAudience string
	ProfileAPIURL     string
	DatabaseURL       string
	KeyringService    string
	UsePgxPool        bool
	DedupeRefresh     bool
}

type contextKey string

const sessionConfigContextKey contextKey = "sessionConfig"

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "sessionctl",
		Short:             "Session recovery, token refresh, and sign-out for the pet-care platform",
		PersistentPreRunE: prepareSessionConfig,
	}

	rootCmd.PersistentFlags().String("auth_gateway_url", "", "Base URL of the platform auth gateway (enables the primary provider)")
	rootCmd.PersistentFlags().String("session_handle", "", "Device-bound session handle for the auth gateway")
	rootCmd.PersistentFlags().String("federated_api_key", "", "Identity-platform API key (enables the federated provider)")
	rootCmd.PersistentFlags().String("federated_audience", "", "Expected audience for federated ID tokens; empty disables verification")
	rootCmd.PersistentFlags().String("profile_api_url", "", "Base URL of the profile service")
	rootCmd.PersistentFlags().String("database_url", "sqlite://sessionkit.db", "Database URL for the plaintext tier (postgres:// or sqlite://)")
	rootCmd.PersistentFlags().String("keyring_service", "", "OS keychain service name; empty for the environment-resolved default")
	rootCmd.PersistentFlags().Bool("pgx_pool", false, "Use a pgx connection pool for postgres database URLs")
	rootCmd.PersistentFlags().Bool("dedupe_refresh", false, "Collapse concurrent token refreshes into one backend call")

	_ = viper.BindPFlag("auth_gateway_url", rootCmd.PersistentFlags().Lookup("auth_gateway_url"))
	_ = viper.BindPFlag("session_handle", rootCmd.PersistentFlags().Lookup("session_handle"))
	_ = viper.BindPFlag("federated_api_key", rootCmd.PersistentFlags().Lookup("federated_api_key"))
	_ = viper.BindPFlag("federated_audience", rootCmd.PersistentFlags().Lookup("federated_audience"))
	_ = viper.BindPFlag("profile_api_url", rootCmd.PersistentFlags().Lookup("profile_api_url"))
	_ = viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database_url"))
	_ = viper.BindPFlag("keyring_service", rootCmd.PersistentFlags().Lookup("keyring_service"))
	_ = viper.BindPFlag("pgx_pool", rootCmd.PersistentFlags().Lookup("pgx_pool"))
	_ = viper.BindPFlag("dedupe_refresh", rootCmd.PersistentFlags().Lookup("dedupe_refresh"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newRefreshCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newSignOutCommand())

	return rootCmd
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func prepareSessionConfig(command *cobra.Command, arguments []string) error {
	sessionConfig, loadErr := LoadSessionConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, sessionConfigContextKey, sessionConfig))
	return nil
}

// LoadSessionConfig reads and validates the viper-bound configuration.
func LoadSessionConfig() (SessionConfig, error) {
	profileAPIURL := viper.GetString("profile_api_url")
	if profileAPIURL == "" {
		return SessionConfig{}, configError(configCodeMissingProfileAPI, "profile_api_url must be provided")
	}

	authGatewayURL := viper.GetString("auth_gateway_url")
	federatedAPIKey := viper.GetString("federated_api_key")
	if authGatewayURL == "" && federatedAPIKey == "" {
		return SessionConfig{}, configError(configCodeMissingBackends, "at least one of auth_gateway_url and federated_api_key must be provided")
	}

	return SessionConfig{
		AuthGatewayURL:    authGatewayURL,
		SessionHandle:     viper.GetString("session_handle"),
		FederatedAPIKey:   federatedAPIKey,
		FederatedAudience: viper.GetString("federated_audience"),
		ProfileAPIURL:     profileAPIURL,
		DatabaseURL:       viper.GetString("database_url"),
		KeyringService:    viper.GetString("keyring_service"),
		UsePgxPool:        viper.GetBool("pgx_pool"),
		DedupeRefresh:     viper.GetBool("dedupe_refresh"),
	}, nil
}

func sessionConfigFromCommand(command *cobra.Command) (SessionConfig, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(sessionConfigContextKey)
	}
	sessionConfig, ok := contextValue.(SessionConfig)
	if !ok {
		return SessionConfig{}, configError(configCodeUninitializedConfig, "session configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	return sessionConfig, nil
}

// sessionComponents is the assembled object graph shared by the subcommands.
type sessionComponents struct {
	logger      *zap.Logger
	clock       token.Clock
	credentials *credstore.Store
	users       *profile.UserCache
	pending     *profile.PendingStore
	primary     *identity.RESTPrimaryBackend
	federated   *identity.RESTFederatedBackend
	coordinator *recovery.Coordinator
	scheduler   *lifecycle.RefreshScheduler
	provider    *lifecycle.FreshTokenProvider
	signOut     *lifecycle.SignOutHandler
	metrics     *lifecycle.CounterMetrics
}

func buildSessionComponents(ctx context.Context, sessionConfig SessionConfig, logger *zap.Logger) (*sessionComponents, error) {
	plain, plainErr := buildPlainStore(ctx, sessionConfig, logger)
	if plainErr != nil {
		return nil, plainErr
	}

	secure := credstore.NewKeyringStore(sessionConfig.KeyringService)
	credentials := credstore.NewStore(secure, plain, logger)
	users := profile.NewUserCache(plain, logger)
	pending := profile.NewPendingStore(plain, logger)
	profiles := profile.NewStatusClient(sessionConfig.ProfileAPIURL, logger)
	clock := token.NewSystemClock()

	var primary *identity.RESTPrimaryBackend
	var federated *identity.RESTFederatedBackend
	var strategies []recovery.Strategy
	if sessionConfig.AuthGatewayURL != "" {
		primary = identity.NewRESTPrimaryBackend(sessionConfig.AuthGatewayURL, sessionConfig.SessionHandle, logger)
		strategies = append(strategies, recovery.NewPrimaryStrategy(primary, profiles, pending, logger))
	}
	if sessionConfig.FederatedAPIKey != "" {
		federated = identity.NewRESTFederatedBackend(identity.RESTFederatedBackendConfig{
			APIKey:   sessionConfig.FederatedAPIKey,
			Audience: sessionConfig.FederatedAudience,
		}, logger)
		strategies = append(strategies, recovery.NewFederatedStrategy(federated, profiles, pending, credentials, users, logger))
	}
	strategies = append(strategies, recovery.NewStoredStrategy(credentials, users, pending, clock, logger))

	components := &sessionComponents{
		logger:      logger,
		clock:       clock,
		credentials: credentials,
		users:       users,
		pending:     pending,
		primary:     primary,
		federated:   federated,
		coordinator: recovery.NewCoordinator(strategies, credentials, users, logger),
	}

	components.scheduler = lifecycle.NewRefreshScheduler(clock, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := components.provider.EnsureFreshToken(refreshCtx); err != nil {
			logger.Warn("scheduled refresh failed", zap.Error(err))
		}
	}, logger)

	var primaryBackend identity.PrimaryBackend
	if primary != nil {
		primaryBackend = primary
	}
	var federatedBackend identity.FederatedBackend
	if federated != nil {
		federatedBackend = federated
	}
	components.provider = lifecycle.NewFreshTokenProvider(credentials, primaryBackend, federatedBackend,
		components.scheduler, clock, logger)
	components.metrics = lifecycle.NewCounterMetrics()
	components.provider.SetMetrics(components.metrics)
	if sessionConfig.DedupeRefresh {
		components.provider.EnableRefreshDeduplication()
	}
	components.signOut = lifecycle.NewSignOutHandler(components.scheduler, credentials, users, pending,
		federatedBackend, logger)

	return components, nil
}

// buildPlainStore picks the plaintext tier: a pgx pool when asked for and the
// URL is postgres, otherwise the gorm-backed store.
func buildPlainStore(ctx context.Context, sessionConfig SessionConfig, logger *zap.Logger) (credstore.PlainStore, error) {
	if sessionConfig.UsePgxPool && strings.HasPrefix(sessionConfig.DatabaseURL, "postgres") {
		pool, poolErr := credstorepg.BuildPool(ctx, sessionConfig.DatabaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		if schemaErr := credstorepg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		logger.Info("using pgx plaintext store")
		return credstorepg.NewPostgresPlainStore(pool), nil
	}

	store, storeErr := credstore.NewDatabasePlainStore(ctx, sessionConfig.DatabaseURL)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Info("using database plaintext store", zap.String("driver", store.Driver()))
	return store, nil
}

func withComponents(command *cobra.Command, run func(ctx context.Context, components *sessionComponents) error) error {
	sessionConfig, configErr := sessionConfigFromCommand(command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	components, buildErr := buildSessionComponents(ctx, sessionConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	return run(ctx, components)
}

func printJSON(command *cobra.Command, payload any) error {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	command.Println(string(encoded))
	return nil
}

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Rebuild the session from the backends or stored credentials",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withComponents(command, func(ctx context.Context, components *sessionComponents) error {
				prior := recovery.Snapshot{ExistingUser: components.users.Load(ctx)}
				outcome := components.coordinator.Recover(ctx, prior)

				report := map[string]any{"state": outcomeLabel(outcome.Kind)}
				if outcome.Kind == recovery.KindAuthenticated {
					if saveErr := components.users.Save(ctx, *outcome.User); saveErr != nil {
						components.logger.Warn("caching recovered user failed", zap.Error(saveErr))
					}
					if saveErr := components.credentials.Save(ctx, *outcome.Tokens); saveErr != nil {
						components.logger.Warn("persisting recovered tokens failed", zap.Error(saveErr))
					}
					components.scheduler.Schedule(outcome.Tokens.ExpiresAtUnixMilli)
					report["user"] = outcome.User
					report["provider"] = outcome.Provider
					report["expires_at_unix_milli"] = outcome.Tokens.ExpiresAtUnixMilli
				}
				return printJSON(command, report)
			})
		},
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Ensure the stored token is fresh, refreshing through its provider if needed",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withComponents(command, func(ctx context.Context, components *sessionComponents) error {
				fresh, err := components.provider.EnsureFreshToken(ctx)
				if err != nil {
					return err
				}
				return printJSON(command, map[string]any{
					"provider":              fresh.Provider,
					"user_id":               fresh.UserID,
					"expires_at_unix_milli": fresh.ExpiresAtUnixMilli,
					"stale": token.IsExpired(fresh.ExpiresAtUnixMilli,
						token.DefaultExpiryBuffer, components.clock),
					"events": components.metrics.Snapshot(),
				})
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the persisted session state without touching the network",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withComponents(command, func(ctx context.Context, components *sessionComponents) error {
				credential, loadErr := components.credentials.Load(ctx)
				if loadErr != nil {
					return loadErr
				}
				if credential == nil {
					return printJSON(command, map[string]any{"state": "signed_out"})
				}
				report := map[string]any{
					"state":                 "stored",
					"provider":              credential.Provider,
					"user_id":               credential.UserID,
					"expires_at_unix_milli": credential.ExpiresAtUnixMilli,
					"stale": token.IsExpired(credential.ExpiresAtUnixMilli,
						token.DefaultExpiryBuffer, components.clock),
				}
				if user := components.users.Load(ctx); user != nil {
					report["user"] = user
				}
				return printJSON(command, report)
			})
		},
	}
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Terminate the session and wipe all persisted credentials",
		RunE: func(command *cobra.Command, arguments []string) error {
			return withComponents(command, func(ctx context.Context, components *sessionComponents) error {
				components.signOut.SignOut(ctx)
				return printJSON(command, map[string]any{"state": "signed_out"})
			})
		},
	}
}

func outcomeLabel(kind recovery.Kind) string {
	switch kind {
	case recovery.KindAuthenticated:
		return "authenticated"
	case recovery.KindPendingProfile:
		return "pending_profile"
	default:
		return "unauthenticated"
	}
}
