package recovery

import (
	"context"

	"go.uber.org/zap"
)

// Coordinator runs the recovery strategies in a fixed priority order and
// short-circuits on the first definitive outcome. The ordering encodes a
// trust hierarchy: a live backend session outranks a cached token because
// only a live session can self-refresh.
type Coordinator struct {
	strategies  []Strategy
	credentials CredentialStore
	users       UserStore
	logger      *zap.Logger
}

// NewCoordinator builds a coordinator over the given strategies, in order.
func NewCoordinator(strategies []Strategy, credentials CredentialStore, users UserStore, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		strategies:  strategies,
		credentials: credentials,
		users:       users,
		logger:      logger,
	}
}

// Recover runs the strategies sequentially. When every strategy passes, all
// persisted session state is cleared so the next sign-in starts clean, and
// the outcome is Unauthenticated.
func (coordinator *Coordinator) Recover(ctx context.Context, prior Snapshot) Outcome {
	for _, strategy := range coordinator.strategies {
		outcome, err := strategy.Attempt(ctx, prior)
		if err != nil {
			coordinator.logger.Warn("session recovery strategy failed",
				zap.String("strategy", strategy.Name()), zap.Error(err))
			continue
		}
		if outcome != nil {
			coordinator.logger.Info("session recovery resolved",
				zap.String("strategy", strategy.Name()), zap.Int("kind", int(outcome.Kind)))
			return *outcome
		}
	}

	coordinator.credentials.Clear(ctx)
	coordinator.users.Clear(ctx)
	return Outcome{Kind: KindUnauthenticated}
}
