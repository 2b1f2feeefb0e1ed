package token

import "errors"

// Provider identifies which identity backend minted a credential.
type Provider string

const (
	// ProviderPrimary is the platform's own user-pool backend.
	ProviderPrimary Provider = "primary"
	// ProviderFederated is the federated social-login backend.
	ProviderFederated Provider = "federated"
)

// ErrUnknownProvider indicates a credential whose provider discriminant is missing or unrecognized.
var ErrUnknownProvider = errors.New("token.unknown_provider")

// Valid reports whether the provider is one of the known backends.
func (provider Provider) Valid() bool {
	return provider == ProviderPrimary || provider == ProviderFederated
}

// NormalizedToken is the single credential shape every call site consumes,
// regardless of which backend issued it. AccessToken is always present once a
// token exists; Provider is always set explicitly, never inferred.
// ExpiresAtUnixMilli of zero means "no known expiry".
type NormalizedToken struct {
	IDToken            string   `json:"id_token,omitempty"`
	AccessToken        string   `json:"access_token"`
	RefreshToken       string   `json:"refresh_token,omitempty"`
	ExpiresAtUnixMilli int64    `json:"expires_at_unix_milli,omitempty"`
	UserID             string   `json:"user_id"`
	Provider           Provider `json:"provider"`
}

// User is a lightweight identity projection persisted alongside tokens. It is
// not authoritative; recovery hydrates and merges it from backend profile data.
type User struct {
	ID              string `json:"id"`
	ParentID        string `json:"parent_id,omitempty"`
	Email           string `json:"email,omitempty"`
	DisplayName     string `json:"display_name,omitempty"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	ProfileComplete bool   `json:"profile_complete,omitempty"`
}
