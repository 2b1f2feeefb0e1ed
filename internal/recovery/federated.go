package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tailmate/sessionkit/internal/identity"
	"github.com/tailmate/sessionkit/internal/profile"
	"github.com/tailmate/sessionkit/internal/token"
)

// FederatedStrategy rebuilds a session from a live federated-backend session.
// A live federated identity with no business-domain profile and no in-flight
// profile creation is orphaned: the strategy signs it out and wipes persisted
// state so the user lands on sign-in instead of a create-profile loop.
type FederatedStrategy struct {
	backend     identity.FederatedBackend
	profiles    ProfileResolver
	pending     PendingChecker
	credentials CredentialStore
	users       UserStore
	logger      *zap.Logger
}

// NewFederatedStrategy constructs the federated-backend recovery strategy.
func NewFederatedStrategy(backend identity.FederatedBackend, profiles ProfileResolver, pending PendingChecker, credentials CredentialStore, users UserStore, logger *zap.Logger) *FederatedStrategy {
	return &FederatedStrategy{
		backend:     backend,
		profiles:    profiles,
		pending:     pending,
		credentials: credentials,
		users:       users,
		logger:      logger,
	}
}

// Name identifies the strategy in logs.
func (strategy *FederatedStrategy) Name() string {
	return "federated"
}

// Attempt asks the federated backend for a live user and hydrates a session
// from it.
func (strategy *FederatedStrategy) Attempt(ctx context.Context, prior Snapshot) (*Outcome, error) {
	federatedUser, userErr := strategy.backend.CurrentUser(ctx)
	if errors.Is(userErr, identity.ErrNoLiveSession) {
		return nil, nil
	}
	if userErr != nil {
		return nil, fmt.Errorf("recovery.federated.user: %w", userErr)
	}

	if strategy.pending.IsPendingFor(ctx, federatedUser.UID) {
		return PendingProfile(), nil
	}

	idToken, tokenErr := strategy.backend.IDToken(ctx, false)
	if tokenErr != nil {
		return nil, fmt.Errorf("recovery.federated.token: %w", tokenErr)
	}

	status := strategy.profiles.ResolveStatus(ctx, profile.StatusRequest{
		AccessToken: idToken,
		UserID:      federatedUser.UID,
		ParentID:    prior.parentID(),
	}, prior.fallbackStatus())

	if status.Parent == nil && prior.parentID() == "" {
		strategy.logger.Warn("orphaned federated session; signing out and clearing state",
			zap.String("uid", federatedUser.UID))
		if signOutErr := strategy.backend.SignOut(ctx); signOutErr != nil {
			strategy.logger.Warn("federated sign-out failed", zap.Error(signOutErr))
		}
		strategy.credentials.Clear(ctx)
		strategy.users.Clear(ctx)
		return nil, nil
	}

	result, resultErr := strategy.backend.IDTokenResult(ctx, false)
	if resultErr != nil {
		return nil, fmt.Errorf("recovery.federated.token_result: %w", resultErr)
	}

	user := mergeUser(federatedUser.UID, map[string]string{
		"email":   federatedUser.Email,
		"name":    federatedUser.DisplayName,
		"picture": federatedUser.PhotoURL,
	}, status, prior.ExistingUser)

	var expiresAt int64
	if !result.ExpirationTime.IsZero() {
		expiresAt = result.ExpirationTime.UnixMilli()
	}
	// The federated backend's ID token doubles as the bearer token for
	// platform calls.
	tokens := token.NormalizedToken{
		IDToken:            result.Token,
		AccessToken:        result.Token,
		ExpiresAtUnixMilli: expiresAt,
		UserID:             federatedUser.UID,
		Provider:           token.ProviderFederated,
	}
	return Authenticated(user, tokens), nil
}
