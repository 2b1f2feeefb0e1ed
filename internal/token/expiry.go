package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiryBuffer is the lead time before true expiry at which a token is
// already treated as stale, so a token never expires mid-request. Shared by
// every call site that checks freshness.
const DefaultExpiryBuffer = 2 * time.Minute

// ResolveExpiration derives the normalized expiry for a credential in epoch
// milliseconds. An explicit expiry wins; otherwise the exp claim is decoded
// from the ID token, falling back to the access token. Zero means "no known
// expiry": malformed or claimless tokens are deliberately treated as never
// expiring, because the backend still validates them server-side.
func ResolveExpiration(credential NormalizedToken) int64 {
	if credential.ExpiresAtUnixMilli != 0 {
		return credential.ExpiresAtUnixMilli
	}
	if expiresAt := claimExpiryUnixMilli(credential.IDToken); expiresAt != 0 {
		return expiresAt
	}
	return claimExpiryUnixMilli(credential.AccessToken)
}

// IsExpired reports whether a credential with the given expiry should be
// treated as stale. A zero expiry is never expired.
func IsExpired(expiresAtUnixMilli int64, buffer time.Duration, clock Clock) bool {
	if expiresAtUnixMilli == 0 {
		return false
	}
	return expiresAtUnixMilli-buffer.Milliseconds() <= clock.Now().UnixMilli()
}

func claimExpiryUnixMilli(signedToken string) int64 {
	if strings.TrimSpace(signedToken) == "" {
		return 0
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(signedToken, claims); err != nil {
		return 0
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return 0
	}
	return expiry.Time.UnixMilli()
}
