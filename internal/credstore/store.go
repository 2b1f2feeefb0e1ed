package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tailmate/sessionkit/internal/token"
)

// SecureStore is the confidential storage tier (OS keychain or equivalent).
type SecureStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}

// PlainStore is the plaintext key-value tier.
type PlainStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, keys []string) error
}

const (
	secureCredentialKey = "session.credentials"
	// degradedCredentialKey holds the credential when the secure tier is unavailable at write time.
	degradedCredentialKey = "session.credentials.degraded"
	// legacyCredentialKey is the pre-normalization record written by older app releases.
	legacyCredentialKey = "auth.tokens"
)

// legacyCredentialRecord is the shape older releases persisted in plaintext.
// It lacks a resolved expiry; Load re-resolves one from the embedded claims.
type legacyCredentialRecord struct {
	IDToken      string `json:"idToken"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	Provider     string `json:"provider"`
}

// Store persists the single normalized credential record across two storage
// tiers, preferring the secure tier and migrating legacy plaintext records
// one way into it. Storage outages degrade gracefully: failures are logged
// and the next tier is consulted instead of surfacing an error to the caller.
type Store struct {
	secure SecureStore
	plain  PlainStore
	logger *zap.Logger
}

// NewStore constructs a two-tier credential store.
func NewStore(secure SecureStore, plain PlainStore, logger *zap.Logger) *Store {
	return &Store{secure: secure, plain: plain, logger: logger}
}

// Save writes the credential through to the secure tier. If the secure tier is
// unavailable the same payload lands in the plaintext tier under a degraded
// key, so a later Load still finds it.
func (store *Store) Save(ctx context.Context, credential token.NormalizedToken) error {
	payload, marshalErr := json.Marshal(credential)
	if marshalErr != nil {
		return fmt.Errorf("credstore.save.marshal: %w", marshalErr)
	}

	secureErr := store.secure.Set(ctx, secureCredentialKey, string(payload))
	if secureErr == nil {
		// A previous degraded write must not shadow the fresh secure record.
		if removeErr := store.plain.Remove(ctx, []string{degradedCredentialKey}); removeErr != nil {
			store.logger.Warn("failed to remove degraded credential record", zap.Error(removeErr))
		}
		return nil
	}
	store.logger.Warn("secure tier rejected credential write; falling back to plaintext tier",
		zap.Error(secureErr))

	if plainErr := store.plain.Set(ctx, degradedCredentialKey, string(payload)); plainErr != nil {
		store.logger.Error("plaintext tier rejected degraded credential write", zap.Error(plainErr))
		return fmt.Errorf("credstore.save: %w", ErrAllTiersUnavailable)
	}
	return nil
}

// Load returns the persisted credential, or (nil, nil) when no record exists
// in any tier. Legacy plaintext records are normalized, migrated into the
// secure tier, and deleted from the legacy key on the way out.
func (store *Store) Load(ctx context.Context) (*token.NormalizedToken, error) {
	if credential := store.loadNormalized(ctx, secureTier); credential != nil {
		return credential, nil
	}
	if credential := store.loadNormalized(ctx, degradedTier); credential != nil {
		store.promote(ctx, *credential, degradedCredentialKey)
		return credential, nil
	}
	return store.loadLegacy(ctx), nil
}

// Clear deletes the credential from both tiers. Idempotent; tier failures are
// logged, never returned.
func (store *Store) Clear(ctx context.Context) {
	if err := store.secure.Delete(ctx, secureCredentialKey); err != nil && !errors.Is(err, ErrRecordNotFound) {
		store.logger.Warn("failed to clear secure credential record", zap.Error(err))
	}
	if err := store.plain.Remove(ctx, []string{degradedCredentialKey, legacyCredentialKey}); err != nil {
		store.logger.Warn("failed to clear plaintext credential records", zap.Error(err))
	}
}

type credentialTier int

const (
	secureTier credentialTier = iota
	degradedTier
)

func (store *Store) loadNormalized(ctx context.Context, tier credentialTier) *token.NormalizedToken {
	var raw string
	var err error
	var label string
	switch tier {
	case secureTier:
		raw, err = store.secure.Get(ctx, secureCredentialKey)
		label = "secure"
	case degradedTier:
		raw, err = store.plain.Get(ctx, degradedCredentialKey)
		label = "plaintext"
	}
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			store.logger.Warn("credential read failed", zap.String("tier", label), zap.Error(err))
		}
		return nil
	}

	var credential token.NormalizedToken
	if unmarshalErr := json.Unmarshal([]byte(raw), &credential); unmarshalErr != nil {
		store.logger.Warn("discarding unreadable credential record",
			zap.String("tier", label), zap.Error(unmarshalErr))
		return nil
	}
	if credential.AccessToken == "" {
		return nil
	}
	return &credential
}

func (store *Store) loadLegacy(ctx context.Context) *token.NormalizedToken {
	raw, err := store.plain.Get(ctx, legacyCredentialKey)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			store.logger.Warn("legacy credential read failed", zap.Error(err))
		}
		return nil
	}

	var legacy legacyCredentialRecord
	if unmarshalErr := json.Unmarshal([]byte(raw), &legacy); unmarshalErr != nil {
		store.logger.Warn("discarding unreadable legacy credential record", zap.Error(unmarshalErr))
		return nil
	}
	if legacy.AccessToken == "" {
		return nil
	}

	provider := token.Provider(legacy.Provider)
	if !provider.Valid() {
		// Records predating the federated backend were always primary.
		provider = token.ProviderPrimary
	}
	credential := token.NormalizedToken{
		IDToken:      legacy.IDToken,
		AccessToken:  legacy.AccessToken,
		RefreshToken: legacy.RefreshToken,
		UserID:       legacy.UserID,
		Provider:     provider,
	}
	credential.ExpiresAtUnixMilli = token.ResolveExpiration(credential)

	store.promote(ctx, credential, legacyCredentialKey)
	return &credential
}

// promote migrates a plaintext record into the secure tier and deletes the
// plaintext copy only once the secure write succeeded.
func (store *Store) promote(ctx context.Context, credential token.NormalizedToken, plainKey string) {
	payload, marshalErr := json.Marshal(credential)
	if marshalErr != nil {
		store.logger.Warn("failed to marshal credential for migration", zap.Error(marshalErr))
		return
	}
	if secureErr := store.secure.Set(ctx, secureCredentialKey, string(payload)); secureErr != nil {
		store.logger.Warn("secure tier rejected credential migration; keeping plaintext record",
			zap.String("key", plainKey), zap.Error(secureErr))
		return
	}
	if removeErr := store.plain.Remove(ctx, []string{plainKey}); removeErr != nil {
		store.logger.Warn("failed to delete migrated plaintext record",
			zap.String("key", plainKey), zap.Error(removeErr))
	}
}
