package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tailmate/sessionkit/internal/credstore"
)

const pendingMarkerKey = "profile.pending"

type pendingMarker struct {
	UserID string `json:"userId"`
}

// PendingStore persists the marker the profile-creation flow writes before the
// backend profile exists. Its presence for the recovered user pre-empts normal
// session recovery.
type PendingStore struct {
	plain  credstore.PlainStore
	logger *zap.Logger
}

// NewPendingStore constructs a pending-profile marker store.
func NewPendingStore(plain credstore.PlainStore, logger *zap.Logger) *PendingStore {
	return &PendingStore{plain: plain, logger: logger}
}

// IsPendingFor reports whether a pending-profile marker exists for this user.
// Read failures are logged and treated as "no marker".
func (store *PendingStore) IsPendingFor(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	raw, err := store.plain.Get(ctx, pendingMarkerKey)
	if err != nil {
		if !errors.Is(err, credstore.ErrRecordNotFound) {
			store.logger.Warn("pending marker read failed", zap.Error(err))
		}
		return false
	}
	var marker pendingMarker
	if unmarshalErr := json.Unmarshal([]byte(raw), &marker); unmarshalErr != nil {
		store.logger.Warn("discarding unreadable pending marker", zap.Error(unmarshalErr))
		return false
	}
	return marker.UserID == userID
}

// Mark records that profile creation is in flight for this user.
func (store *PendingStore) Mark(ctx context.Context, userID string) error {
	payload, marshalErr := json.Marshal(pendingMarker{UserID: userID})
	if marshalErr != nil {
		return fmt.Errorf("profile.pending.mark: %w", marshalErr)
	}
	if err := store.plain.Set(ctx, pendingMarkerKey, string(payload)); err != nil {
		return fmt.Errorf("profile.pending.mark: %w", err)
	}
	return nil
}

// ClearPending removes the marker. Called on profile completion and sign-out.
func (store *PendingStore) ClearPending(ctx context.Context) {
	if err := store.plain.Remove(ctx, []string{pendingMarkerKey}); err != nil {
		store.logger.Warn("failed to clear pending marker", zap.Error(err))
	}
}
