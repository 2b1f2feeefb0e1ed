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

// PrimaryStrategy rebuilds a session from a live primary-backend session.
// It never reads persisted tokens.
type PrimaryStrategy struct {
	backend  identity.PrimaryBackend
	profiles ProfileResolver
	pending  PendingChecker
	logger   *zap.Logger
}

// NewPrimaryStrategy constructs the primary-backend recovery strategy.
func NewPrimaryStrategy(backend identity.PrimaryBackend, profiles ProfileResolver, pending PendingChecker, logger *zap.Logger) *PrimaryStrategy {
	return &PrimaryStrategy{backend: backend, profiles: profiles, pending: pending, logger: logger}
}

// Name identifies the strategy in logs.
func (strategy *PrimaryStrategy) Name() string {
	return "primary"
}

// Attempt asks the primary backend for a live session and hydrates a user
// from it.
func (strategy *PrimaryStrategy) Attempt(ctx context.Context, prior Snapshot) (*Outcome, error) {
	session, sessionErr := strategy.backend.CurrentSession(ctx, false)
	if errors.Is(sessionErr, identity.ErrNoLiveSession) {
		return nil, nil
	}
	if sessionErr != nil {
		return nil, fmt.Errorf("recovery.primary.session: %w", sessionErr)
	}

	userID, _ := session.Claims["sub"].(string)
	var backendUser *identity.PrimaryUser
	if userID == "" {
		var userErr error
		backendUser, userErr = strategy.currentUser(ctx)
		if backendUser == nil {
			return nil, userErr
		}
		userID = backendUser.ID
	}

	if strategy.pending.IsPendingFor(ctx, userID) {
		return PendingProfile(), nil
	}

	if backendUser == nil {
		var userErr error
		backendUser, userErr = strategy.currentUser(ctx)
		if backendUser == nil {
			return nil, userErr
		}
	}

	status := strategy.profiles.ResolveStatus(ctx, profile.StatusRequest{
		AccessToken: session.AccessToken,
		UserID:      userID,
		ParentID:    prior.parentID(),
	}, prior.fallbackStatus())

	user := mergeUser(userID, backendUser.Attributes, status, prior.ExistingUser)
	tokens := token.NormalizedToken{
		IDToken:            session.IDToken,
		AccessToken:        session.AccessToken,
		ExpiresAtUnixMilli: session.ExpiryUnixMilli(),
		UserID:             userID,
		Provider:           token.ProviderPrimary,
	}
	if tokens.ExpiresAtUnixMilli == 0 {
		tokens.ExpiresAtUnixMilli = token.ResolveExpiration(tokens)
	}
	return Authenticated(user, tokens), nil
}

func (strategy *PrimaryStrategy) currentUser(ctx context.Context) (*identity.PrimaryUser, error) {
	backendUser, err := strategy.backend.CurrentUser(ctx)
	if errors.Is(err, identity.ErrNoLiveSession) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recovery.primary.user: %w", err)
	}
	return backendUser, nil
}

// mergeUser combines backend-native attributes, the profile-status answer,
// and the caller's prior record into one user projection. Backend attributes
// win for identity fields; the status lookup wins for profile linkage.
func mergeUser(userID string, attributes map[string]string, status profile.Status, prior *token.User) token.User {
	user := token.User{ID: userID}
	if prior != nil && prior.ID == userID {
		user = *prior
	}
	if email := attributes["email"]; email != "" {
		user.Email = email
	}
	if name := attributes["name"]; name != "" {
		user.DisplayName = name
	}
	if picture := attributes["picture"]; picture != "" {
		user.AvatarURL = picture
	}
	if status.Parent != nil {
		user.ParentID = status.Parent.ID
	}
	if status.IsComplete {
		user.ProfileComplete = true
	}
	return user
}
