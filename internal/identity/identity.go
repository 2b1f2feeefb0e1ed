package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoLiveSession is the native "no session" signal from a backend. It means
// the backend holds no live runtime session, which is an expected state during
// recovery, not a failure.
var ErrNoLiveSession = errors.New("identity.no_live_session")

// PrimarySession is a live session snapshot from the primary user-pool backend.
type PrimarySession struct {
	IDToken     string
	AccessToken string
	Claims      map[string]any
}

// ExpiryUnixMilli reads the numeric exp claim (seconds) from the session
// claims and converts it to epoch milliseconds. Zero when absent or non-numeric.
func (session *PrimarySession) ExpiryUnixMilli() int64 {
	if session == nil {
		return 0
	}
	raw, ok := session.Claims["exp"]
	if !ok {
		return 0
	}
	switch value := raw.(type) {
	case float64:
		return int64(value) * 1000
	case int64:
		return value * 1000
	case json.Number:
		seconds, err := value.Int64()
		if err != nil {
			return 0
		}
		return seconds * 1000
	default:
		return 0
	}
}

// PrimaryUser carries the backend-native user id and attribute map.
type PrimaryUser struct {
	ID         string
	Attributes map[string]string
}

// PrimaryBackend is the platform's own user-pool identity backend.
type PrimaryBackend interface {
	// CurrentSession returns the live session, refreshing it first when
	// forceRefresh is set. ErrNoLiveSession when no session exists.
	CurrentSession(ctx context.Context, forceRefresh bool) (*PrimarySession, error)
	// CurrentUser returns the backend-native user attributes for the live session.
	CurrentUser(ctx context.Context) (*PrimaryUser, error)
}

// FederatedUser is the social-login backend's user handle.
type FederatedUser struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// IDTokenResult pairs a federated ID token with its expiration.
type IDTokenResult struct {
	Token          string
	ExpirationTime time.Time
}

// FederatedBackend is the federated social-login identity backend.
type FederatedBackend interface {
	// CurrentUser returns the live user handle, or ErrNoLiveSession.
	CurrentUser(ctx context.Context) (*FederatedUser, error)
	// Reload re-fetches the live user's account data from the backend.
	Reload(ctx context.Context) error
	// IDToken returns the session's ID token, minting a fresh one when
	// forceRefresh is set.
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
	// IDTokenResult returns the ID token together with its expiration.
	IDTokenResult(ctx context.Context, forceRefresh bool) (IDTokenResult, error)
	// SignOut drops the backend's live session.
	SignOut(ctx context.Context) error
}
