package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tailmate/sessionkit/internal/credstore"
	"github.com/tailmate/sessionkit/internal/token"
)

const cachedUserKey = "session.user"

// UserCache persists the lightweight user projection alongside the tokens, so
// stored-credential recovery can rebuild a session without network access.
type UserCache struct {
	plain  credstore.PlainStore
	logger *zap.Logger
}

// NewUserCache constructs the cached-user store.
func NewUserCache(plain credstore.PlainStore, logger *zap.Logger) *UserCache {
	return &UserCache{plain: plain, logger: logger}
}

// Load returns the cached user, or nil when none is stored or the record is
// unreadable.
func (cache *UserCache) Load(ctx context.Context) *token.User {
	raw, err := cache.plain.Get(ctx, cachedUserKey)
	if err != nil {
		if !errors.Is(err, credstore.ErrRecordNotFound) {
			cache.logger.Warn("cached user read failed", zap.Error(err))
		}
		return nil
	}
	var user token.User
	if unmarshalErr := json.Unmarshal([]byte(raw), &user); unmarshalErr != nil {
		cache.logger.Warn("discarding unreadable cached user", zap.Error(unmarshalErr))
		return nil
	}
	if user.ID == "" {
		return nil
	}
	return &user
}

// Save stores the user projection.
func (cache *UserCache) Save(ctx context.Context, user token.User) error {
	payload, marshalErr := json.Marshal(user)
	if marshalErr != nil {
		return fmt.Errorf("profile.usercache.save: %w", marshalErr)
	}
	if err := cache.plain.Set(ctx, cachedUserKey, string(payload)); err != nil {
		return fmt.Errorf("profile.usercache.save: %w", err)
	}
	return nil
}

// Clear removes the cached user. Idempotent; failures are logged.
func (cache *UserCache) Clear(ctx context.Context) {
	if err := cache.plain.Remove(ctx, []string{cachedUserKey}); err != nil {
		cache.logger.Warn("failed to clear cached user", zap.Error(err))
	}
}
