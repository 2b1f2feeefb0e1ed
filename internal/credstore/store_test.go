package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/tailmate/sessionkit/internal/token"
)

func testCredential() token.NormalizedToken {
	return token.NormalizedToken{
		IDToken:            "id-token",
		AccessToken:        "access-token",
		RefreshToken:       "refresh-token",
		ExpiresAtUnixMilli: 1700000000000,
		UserID:             "user-42",
		Provider:           token.ProviderPrimary,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewStore(NewMemorySecureStore(), NewMemoryPlainStore(), zaptest.NewLogger(t))
	credential := testCredential()

	if err := store.Save(context.Background(), credential); err != nil {
		t.Fatalf("save error: %v", err)
	}
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected a stored credential")
	}
	if *loaded != credential {
		t.Fatalf("expected %+v, got %+v", credential, *loaded)
	}
}

func TestStoreLoadEmpty(t *testing.T) {
	t.Parallel()

	store := NewStore(NewMemorySecureStore(), NewMemoryPlainStore(), zaptest.NewLogger(t))
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected no credential, got %+v", *loaded)
	}
}

func TestStoreSaveFallsBackToPlaintextTier(t *testing.T) {
	t.Parallel()

	secure := NewMemorySecureStore()
	secure.FailSet = errors.New("keychain locked")
	plain := NewMemoryPlainStore()
	store := NewStore(secure, plain, zaptest.NewLogger(t))
	credential := testCredential()

	if err := store.Save(context.Background(), credential); err != nil {
		t.Fatalf("save must succeed through the plaintext tier: %v", err)
	}
	if secure.Len() != 0 {
		t.Fatalf("secure tier must hold nothing after a failed write")
	}

	// Load must find the degraded record, then promote it once the secure
	// tier recovers.
	secure.FailSet = nil
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded == nil || *loaded != credential {
		t.Fatalf("expected the degraded credential back, got %+v", loaded)
	}
	if secure.Len() != 1 {
		t.Fatalf("expected the degraded record to be promoted into the secure tier")
	}
	if _, err := plain.Get(context.Background(), degradedCredentialKey); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected the degraded record to be deleted after promotion, got %v", err)
	}
}

func TestStoreSaveFailsWhenBothTiersUnavailable(t *testing.T) {
	t.Parallel()

	secure := NewMemorySecureStore()
	secure.FailSet = errors.New("keychain locked")
	store := NewStore(secure, failingPlainStore{}, zaptest.NewLogger(t))

	err := store.Save(context.Background(), testCredential())
	if !errors.Is(err, ErrAllTiersUnavailable) {
		t.Fatalf("expected ErrAllTiersUnavailable, got %v", err)
	}
}

func TestStoreMigratesLegacyRecord(t *testing.T) {
	t.Parallel()

	secure := NewMemorySecureStore()
	plain := NewMemoryPlainStore()
	legacy := legacyCredentialRecord{
		IDToken:      "legacy-id-token",
		AccessToken:  "legacy-access-token",
		RefreshToken: "legacy-refresh-token",
		UserID:       "user-42",
		Provider:     string(token.ProviderFederated),
	}
	payload, marshalErr := json.Marshal(legacy)
	if marshalErr != nil {
		t.Fatalf("marshal fixture: %v", marshalErr)
	}
	if err := plain.Set(context.Background(), legacyCredentialKey, string(payload)); err != nil {
		t.Fatalf("seed legacy record: %v", err)
	}

	store := NewStore(secure, plain, zaptest.NewLogger(t))
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected the legacy credential")
	}
	if loaded.AccessToken != legacy.AccessToken || loaded.Provider != token.ProviderFederated {
		t.Fatalf("unexpected normalized credential %+v", *loaded)
	}
	if loaded.ExpiresAtUnixMilli != 0 {
		t.Fatalf("opaque legacy tokens carry no resolvable expiry, got %d", loaded.ExpiresAtUnixMilli)
	}

	// The legacy key is gone; a second load reads from the secure tier.
	if _, getErr := plain.Get(context.Background(), legacyCredentialKey); !errors.Is(getErr, ErrRecordNotFound) {
		t.Fatalf("expected the legacy record to be deleted, got %v", getErr)
	}
	if secure.Len() != 1 {
		t.Fatalf("expected the credential in the secure tier after migration")
	}
	again, againErr := store.Load(context.Background())
	if againErr != nil {
		t.Fatalf("second load error: %v", againErr)
	}
	if again == nil || *again != *loaded {
		t.Fatalf("second load must return the migrated credential, got %+v", again)
	}
}

func TestStoreLegacyRecordDefaultsToPrimaryProvider(t *testing.T) {
	t.Parallel()

	plain := NewMemoryPlainStore()
	payload := `{"accessToken":"legacy-access","userId":"user-9"}`
	if err := plain.Set(context.Background(), legacyCredentialKey, payload); err != nil {
		t.Fatalf("seed legacy record: %v", err)
	}
	store := NewStore(NewMemorySecureStore(), plain, zaptest.NewLogger(t))

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded == nil || loaded.Provider != token.ProviderPrimary {
		t.Fatalf("expected primary provider default, got %+v", loaded)
	}
}

func TestStoreClearIsIdempotent(t *testing.T) {
	t.Parallel()

	secure := NewMemorySecureStore()
	plain := NewMemoryPlainStore()
	store := NewStore(secure, plain, zaptest.NewLogger(t))
	if err := store.Save(context.Background(), testCredential()); err != nil {
		t.Fatalf("save error: %v", err)
	}

	store.Clear(context.Background())
	store.Clear(context.Background())

	if secure.Len() != 0 || plain.Len() != 0 {
		t.Fatalf("expected both tiers empty after clear")
	}
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected no credential after clear")
	}
}

type failingPlainStore struct{}

func (failingPlainStore) Get(ctx context.Context, key string) (string, error) {
	return "", errors.New("disk full")
}

func (failingPlainStore) Set(ctx context.Context, key string, value string) error {
	return errors.New("disk full")
}

func (failingPlainStore) Remove(ctx context.Context, keys []string) error {
	return errors.New("disk full")
}
