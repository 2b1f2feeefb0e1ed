package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tailmate/sessionkit/internal/identity"
	"github.com/tailmate/sessionkit/internal/token"
)

// ErrNoCredentials means no credential is persisted; the caller must treat
// the session as signed out.
var ErrNoCredentials = errors.New("lifecycle.no_credentials")

// CredentialStore is the slice of the token store the provider needs.
type CredentialStore interface {
	Load(ctx context.Context) (*token.NormalizedToken, error)
	Save(ctx context.Context, credential token.NormalizedToken) error
}

// RefreshTracker is the scheduler surface the provider notifies after a
// successful refresh.
type RefreshTracker interface {
	MarkRefreshed()
	Schedule(expiresAtUnixMilli int64)
}

// FreshTokenProvider hands out a usable bearer token, refreshing through the
// owning identity backend when the stored one is stale. On refresh failure it
// returns the stale token rather than an error: the downstream call gets to
// fail with the backend's own 401 instead of being rejected locally, which
// keeps a flaky refresh path from signing users out.
type FreshTokenProvider struct {
	credentials CredentialStore
	primary     identity.PrimaryBackend
	federated   identity.FederatedBackend
	tracker     RefreshTracker
	clock       token.Clock
	logger      *zap.Logger
	metrics     MetricsRecorder
	dedupe      bool
	group       singleflight.Group
}

// NewFreshTokenProvider builds a provider over both identity backends. Either
// backend may be nil when the deployment only configures one provider.
func NewFreshTokenProvider(credentials CredentialStore, primary identity.PrimaryBackend, federated identity.FederatedBackend, tracker RefreshTracker, clock token.Clock, logger *zap.Logger) *FreshTokenProvider {
	return &FreshTokenProvider{
		credentials: credentials,
		primary:     primary,
		federated:   federated,
		tracker:     tracker,
		clock:       clock,
		logger:      logger,
	}
}

// EnableRefreshDeduplication collapses concurrent EnsureFreshToken calls into
// a single backend refresh.
func (provider *FreshTokenProvider) EnableRefreshDeduplication() {
	provider.dedupe = true
}

// SetMetrics installs a recorder for lifecycle events.
func (provider *FreshTokenProvider) SetMetrics(recorder MetricsRecorder) {
	provider.metrics = recorder
}

func (provider *FreshTokenProvider) record(event string) {
	if provider.metrics != nil {
		provider.metrics.Increment(event)
	}
}

// EnsureFreshToken returns the stored token if it is still fresh, otherwise
// refreshes it first.
func (provider *FreshTokenProvider) EnsureFreshToken(ctx context.Context) (token.NormalizedToken, error) {
	if !provider.dedupe {
		return provider.ensureFreshToken(ctx)
	}
	result, err, _ := provider.group.Do("refresh", func() (any, error) {
		return provider.ensureFreshToken(ctx)
	})
	if err != nil {
		return token.NormalizedToken{}, err
	}
	return result.(token.NormalizedToken), nil
}

func (provider *FreshTokenProvider) ensureFreshToken(ctx context.Context) (token.NormalizedToken, error) {
	stored, loadErr := provider.credentials.Load(ctx)
	if loadErr != nil {
		return token.NormalizedToken{}, fmt.Errorf("lifecycle.load: %w", loadErr)
	}
	if stored == nil {
		provider.record(MetricRefreshUnavailable)
		return token.NormalizedToken{}, ErrNoCredentials
	}
	if !token.IsExpired(stored.ExpiresAtUnixMilli, token.DefaultExpiryBuffer, provider.clock) {
		provider.record(MetricTokenServedFresh)
		return *stored, nil
	}

	refreshed, refreshErr := provider.refresh(ctx, *stored)
	if refreshErr != nil {
		provider.logger.Warn("token refresh failed; returning the stale token",
			zap.String("provider", string(stored.Provider)), zap.Error(refreshErr))
		provider.record(MetricTokenServedStale)
		return *stored, nil
	}
	provider.record(MetricTokenRenewed)

	if saveErr := provider.credentials.Save(ctx, refreshed); saveErr != nil {
		provider.logger.Warn("persisting refreshed token failed", zap.Error(saveErr))
	}
	if provider.tracker != nil {
		provider.tracker.MarkRefreshed()
		provider.tracker.Schedule(refreshed.ExpiresAtUnixMilli)
	}
	return refreshed, nil
}

func (provider *FreshTokenProvider) refresh(ctx context.Context, stored token.NormalizedToken) (token.NormalizedToken, error) {
	switch stored.Provider {
	case token.ProviderPrimary:
		return provider.refreshPrimary(ctx, stored)
	case token.ProviderFederated:
		return provider.refreshFederated(ctx, stored)
	default:
		return token.NormalizedToken{}, fmt.Errorf("lifecycle.refresh %q: %w", stored.Provider, token.ErrUnknownProvider)
	}
}

func (provider *FreshTokenProvider) refreshPrimary(ctx context.Context, stored token.NormalizedToken) (token.NormalizedToken, error) {
	if provider.primary == nil {
		return token.NormalizedToken{}, errors.New("lifecycle.refresh: primary backend not configured")
	}
	session, sessionErr := provider.primary.CurrentSession(ctx, true)
	if sessionErr != nil {
		return token.NormalizedToken{}, fmt.Errorf("lifecycle.refresh.primary: %w", sessionErr)
	}
	refreshed := token.NormalizedToken{
		IDToken:            session.IDToken,
		AccessToken:        session.AccessToken,
		RefreshToken:       stored.RefreshToken,
		ExpiresAtUnixMilli: session.ExpiryUnixMilli(),
		UserID:             stored.UserID,
		Provider:           token.ProviderPrimary,
	}
	if subject, _ := session.Claims["sub"].(string); subject != "" {
		refreshed.UserID = subject
	}
	if refreshed.ExpiresAtUnixMilli == 0 {
		refreshed.ExpiresAtUnixMilli = token.ResolveExpiration(refreshed)
	}
	return refreshed, nil
}

func (provider *FreshTokenProvider) refreshFederated(ctx context.Context, stored token.NormalizedToken) (token.NormalizedToken, error) {
	if provider.federated == nil {
		return token.NormalizedToken{}, errors.New("lifecycle.refresh: federated backend not configured")
	}
	if reloadErr := provider.federated.Reload(ctx); reloadErr != nil {
		return token.NormalizedToken{}, fmt.Errorf("lifecycle.refresh.federated.reload: %w", reloadErr)
	}
	result, resultErr := provider.federated.IDTokenResult(ctx, true)
	if resultErr != nil {
		return token.NormalizedToken{}, fmt.Errorf("lifecycle.refresh.federated: %w", resultErr)
	}
	var expiresAt int64
	if !result.ExpirationTime.IsZero() {
		expiresAt = result.ExpirationTime.UnixMilli()
	}
	return token.NormalizedToken{
		IDToken:            result.Token,
		AccessToken:        result.Token,
		RefreshToken:       stored.RefreshToken,
		ExpiresAtUnixMilli: expiresAt,
		UserID:             stored.UserID,
		Provider:           token.ProviderFederated,
	}, nil
}
