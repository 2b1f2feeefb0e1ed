package token

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

func signedTokenWithExpiry(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": expiresAt.Unix(),
	}).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("failed to sign fixture token: %v", err)
	}
	return signed
}

func signedTokenWithoutExpiry(t *testing.T) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
	}).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("failed to sign fixture token: %v", err)
	}
	return signed
}

func TestResolveExpirationPrefersExplicitField(t *testing.T) {
	t.Parallel()

	claimExpiry := time.Unix(1700001000, 0)
	credential := NormalizedToken{
		IDToken:            signedTokenWithExpiry(t, claimExpiry),
		AccessToken:        "opaque-access",
		ExpiresAtUnixMilli: 1234567890000,
		UserID:             "user-1",
		Provider:           ProviderPrimary,
	}
	if got := ResolveExpiration(credential); got != 1234567890000 {
		t.Fatalf("expected explicit expiry to win, got %d", got)
	}
}

func TestResolveExpirationDecodesIDTokenClaim(t *testing.T) {
	t.Parallel()

	claimExpiry := time.Unix(1700001000, 0)
	credential := NormalizedToken{
		IDToken:     signedTokenWithExpiry(t, claimExpiry),
		AccessToken: "opaque-access",
		UserID:      "user-1",
		Provider:    ProviderPrimary,
	}
	if got := ResolveExpiration(credential); got != claimExpiry.UnixMilli() {
		t.Fatalf("expected %d, got %d", claimExpiry.UnixMilli(), got)
	}
}

func TestResolveExpirationFallsBackToAccessToken(t *testing.T) {
	t.Parallel()

	claimExpiry := time.Unix(1700002000, 0)
	credential := NormalizedToken{
		AccessToken: signedTokenWithExpiry(t, claimExpiry),
		UserID:      "user-1",
		Provider:    ProviderFederated,
	}
	if got := ResolveExpiration(credential); got != claimExpiry.UnixMilli() {
		t.Fatalf("expected %d, got %d", claimExpiry.UnixMilli(), got)
	}
}

func TestResolveExpirationFailOpen(t *testing.T) {
	t.Parallel()

	nonJSONPayload := "x." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".y"

	cases := []struct {
		name       string
		credential NormalizedToken
	}{
		{name: "opaque access token", credential: NormalizedToken{AccessToken: "opaque-access"}},
		{name: "malformed segment", credential: NormalizedToken{IDToken: "a.%%%%.c", AccessToken: "opaque"}},
		{name: "non-json payload", credential: NormalizedToken{IDToken: nonJSONPayload, AccessToken: "opaque"}},
		{name: "missing exp claim", credential: NormalizedToken{IDToken: signedTokenWithoutExpiry(t), AccessToken: "opaque"}},
	}

	for _, testCase := range cases {
		if got := ResolveExpiration(testCase.credential); got != 0 {
			t.Fatalf("%s: expected zero expiry, got %d", testCase.name, got)
		}
	}
}

func TestIsExpiredFarFutureExpiry(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	clock := fixedClock{timestamp: now}
	expiresAt := now.UnixMilli() + 10_000_000
	if IsExpired(expiresAt, DefaultExpiryBuffer, clock) {
		t.Fatalf("token expiring far in the future must not be expired")
	}
}

func TestIsExpiredPastExpiryRegardlessOfBuffer(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	clock := fixedClock{timestamp: now}
	expiresAt := now.UnixMilli() - 1
	if !IsExpired(expiresAt, 0, clock) {
		t.Fatalf("past expiry must be expired with zero buffer")
	}
	if !IsExpired(expiresAt, DefaultExpiryBuffer, clock) {
		t.Fatalf("past expiry must be expired with the default buffer")
	}
}

func TestIsExpiredWithinBuffer(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	clock := fixedClock{timestamp: now}
	expiresAt := now.Add(time.Minute).UnixMilli()
	if !IsExpired(expiresAt, DefaultExpiryBuffer, clock) {
		t.Fatalf("expiry inside the buffer window must count as expired")
	}
}

func TestIsExpiredUnknownExpiry(t *testing.T) {
	t.Parallel()

	clock := fixedClock{timestamp: time.Unix(1700000000, 0)}
	if IsExpired(0, DefaultExpiryBuffer, clock) {
		t.Fatalf("unknown expiry must never be expired")
	}
}

func TestProviderValid(t *testing.T) {
	t.Parallel()

	if !ProviderPrimary.Valid() || !ProviderFederated.Valid() {
		t.Fatalf("known providers must be valid")
	}
	if Provider("").Valid() || Provider("legacy").Valid() {
		t.Fatalf("unknown providers must be invalid")
	}
}
