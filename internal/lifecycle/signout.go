package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/tailmate/sessionkit/internal/identity"
)

// CredentialClearer wipes persisted credentials.
type CredentialClearer interface {
	Clear(ctx context.Context)
}

// UserClearer wipes the cached user record.
type UserClearer interface {
	Clear(ctx context.Context)
}

// PendingClearer removes the in-flight profile-creation marker.
type PendingClearer interface {
	ClearPending(ctx context.Context)
}

// SignOutHandler tears the session down in full: refresh triggers first so no
// timer resurrects tokens mid-wipe, then local state, then the federated
// backend. Backend sign-out is best effort; local state is always wiped.
type SignOutHandler struct {
	scheduler   *RefreshScheduler
	credentials CredentialClearer
	users       UserClearer
	pending     PendingClearer
	federated   identity.FederatedBackend
	logger      *zap.Logger
}

// NewSignOutHandler builds the sign-out path. The federated backend may be
// nil when the deployment only configures the primary provider.
func NewSignOutHandler(scheduler *RefreshScheduler, credentials CredentialClearer, users UserClearer, pending PendingClearer, federated identity.FederatedBackend, logger *zap.Logger) *SignOutHandler {
	return &SignOutHandler{
		scheduler:   scheduler,
		credentials: credentials,
		users:       users,
		pending:     pending,
		federated:   federated,
		logger:      logger,
	}
}

// SignOut terminates the session everywhere the process can reach.
func (handler *SignOutHandler) SignOut(ctx context.Context) {
	if handler.scheduler != nil {
		handler.scheduler.Teardown()
	}

	handler.credentials.Clear(ctx)
	handler.users.Clear(ctx)
	handler.pending.ClearPending(ctx)

	if handler.federated != nil {
		if err := handler.federated.SignOut(ctx); err != nil {
			handler.logger.Warn("federated backend sign-out failed", zap.Error(err))
		}
	}
	handler.logger.Info("session terminated")
}
