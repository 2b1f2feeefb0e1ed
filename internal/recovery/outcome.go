package recovery

import (
	"context"

	"github.com/tailmate/sessionkit/internal/profile"
	"github.com/tailmate/sessionkit/internal/token"
)

// Kind discriminates the recovery outcomes.
type Kind int

const (
	// KindAuthenticated means a session was rebuilt and tokens are usable.
	KindAuthenticated Kind = iota + 1
	// KindPendingProfile means a live identity exists but its profile is
	// still being created; the caller must resume the profile flow.
	KindPendingProfile
	// KindUnauthenticated means no session could be recovered; the caller
	// must present sign-in.
	KindUnauthenticated
)

// Outcome is the result of one recovery run. Exactly one variant applies.
type Outcome struct {
	Kind     Kind
	User     *token.User
	Tokens   *token.NormalizedToken
	Provider token.Provider
}

// Authenticated builds the success outcome.
func Authenticated(user token.User, tokens token.NormalizedToken) *Outcome {
	return &Outcome{
		Kind:     KindAuthenticated,
		User:     &user,
		Tokens:   &tokens,
		Provider: tokens.Provider,
	}
}

// PendingProfile builds the pending-profile outcome.
func PendingProfile() *Outcome {
	return &Outcome{Kind: KindPendingProfile}
}

// Snapshot carries the caller's prior local state into a recovery run, used
// as fallback when enrichment lookups fail.
type Snapshot struct {
	ExistingUser         *token.User
	ExistingProfileToken string
}

func (snapshot Snapshot) parentID() string {
	if snapshot.ExistingUser == nil {
		return ""
	}
	return snapshot.ExistingUser.ParentID
}

func (snapshot Snapshot) fallbackStatus() profile.Status {
	fallback := profile.Status{ProfileToken: snapshot.ExistingProfileToken}
	if parentID := snapshot.parentID(); parentID != "" {
		fallback.Parent = &profile.ParentProfile{ID: parentID}
	}
	return fallback
}

// Strategy attempts to rebuild a session from one source of truth. A nil
// outcome with a nil error means "no session here; try the next strategy".
// Errors never abort the chain; the coordinator logs them and moves on.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, prior Snapshot) (*Outcome, error)
}

// ProfileResolver is the best-effort profile-status lookup.
type ProfileResolver interface {
	ResolveStatus(ctx context.Context, request profile.StatusRequest, fallback profile.Status) profile.Status
}

// PendingChecker reports whether profile creation is in flight for a user.
type PendingChecker interface {
	IsPendingFor(ctx context.Context, userID string) bool
}

// CredentialStore is the slice of the token store recovery needs.
type CredentialStore interface {
	Load(ctx context.Context) (*token.NormalizedToken, error)
	Clear(ctx context.Context)
}

// UserStore is the slice of the cached-user store recovery needs.
type UserStore interface {
	Load(ctx context.Context) *token.User
	Clear(ctx context.Context)
}
