package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tailmate/sessionkit/internal/token"
)

// StoredStrategy rebuilds a session from previously persisted credentials.
// It is the last resort: it only succeeds with both a cached user and a
// non-expired token, and it never refreshes, because a refresh may itself
// require the live backend session that just proved absent.
type StoredStrategy struct {
	credentials CredentialStore
	users       UserStore
	pending     PendingChecker
	clock       token.Clock
	logger      *zap.Logger
}

// NewStoredStrategy constructs the stored-credential recovery strategy.
func NewStoredStrategy(credentials CredentialStore, users UserStore, pending PendingChecker, clock token.Clock, logger *zap.Logger) *StoredStrategy {
	return &StoredStrategy{
		credentials: credentials,
		users:       users,
		pending:     pending,
		clock:       clock,
		logger:      logger,
	}
}

// Name identifies the strategy in logs.
func (strategy *StoredStrategy) Name() string {
	return "stored"
}

// Attempt loads the persisted user and credential and validates freshness.
func (strategy *StoredStrategy) Attempt(ctx context.Context, prior Snapshot) (*Outcome, error) {
	credential, loadErr := strategy.credentials.Load(ctx)
	if loadErr != nil {
		return nil, fmt.Errorf("recovery.stored.load: %w", loadErr)
	}
	if credential == nil {
		return nil, nil
	}

	user := strategy.users.Load(ctx)
	if user == nil {
		user = prior.ExistingUser
	}
	if user == nil {
		return nil, nil
	}

	if token.IsExpired(credential.ExpiresAtUnixMilli, token.DefaultExpiryBuffer, strategy.clock) {
		strategy.logger.Info("persisted credential is expired; not recovering from disk",
			zap.String("user_id", credential.UserID))
		return nil, nil
	}

	if strategy.pending.IsPendingFor(ctx, credential.UserID) {
		return PendingProfile(), nil
	}

	return Authenticated(*user, *credential), nil
}
