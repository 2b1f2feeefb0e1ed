package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

const (
	defaultFederatedTokenEndpoint  = "https://securetoken.googleapis.com/v1/token"
	defaultFederatedLookupEndpoint = "https://identitytoolkit.googleapis.com/v1/accounts:lookup"
)

// TokenValidator verifies a federated ID token against an audience.
type TokenValidator interface {
	Validate(ctx context.Context, signedToken string, audience string) error
}

type googleTokenValidator struct{}

func (googleTokenValidator) Validate(ctx context.Context, signedToken string, audience string) error {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return err
	}
	_, err = validator.Validate(ctx, signedToken, audience)
	return err
}

// NewGoogleTokenValidator returns the production federated token validator.
func NewGoogleTokenValidator() TokenValidator {
	return googleTokenValidator{}
}

// RESTFederatedBackendConfig configures the federated backend client.
type RESTFederatedBackendConfig struct {
	APIKey string
	// Audience enables ID-token verification when non-empty.
	Audience string
	// TokenEndpoint and LookupEndpoint override the Google endpoints in tests.
	TokenEndpoint  string
	LookupEndpoint string
	Validator      TokenValidator
	Clock          interface{ Now() time.Time }
}

type federatedSessionState struct {
	user         FederatedUser
	refreshToken string
	idToken      string
	idTokenExpiry time.Time
}

// RESTFederatedBackend talks to a Google Identity Platform style token
// service. The live session is in-process state installed by the sign-in flow
// (or Resume); persisted credentials never feed it.
type RESTFederatedBackend struct {
	config     RESTFederatedBackendConfig
	httpClient *http.Client
	logger     *zap.Logger

	mutex sync.Mutex
	state *federatedSessionState
}

// NewRESTFederatedBackend constructs the federated backend client.
func NewRESTFederatedBackend(config RESTFederatedBackendConfig, logger *zap.Logger) *RESTFederatedBackend {
	if config.TokenEndpoint == "" {
		config.TokenEndpoint = defaultFederatedTokenEndpoint
	}
	if config.LookupEndpoint == "" {
		config.LookupEndpoint = defaultFederatedLookupEndpoint
	}
	if config.Validator == nil && config.Audience != "" {
		config.Validator = NewGoogleTokenValidator()
	}
	return &RESTFederatedBackend{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Resume installs a live session from the sign-in flow's handoff.
func (backend *RESTFederatedBackend) Resume(user FederatedUser, refreshToken string) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.state = &federatedSessionState{user: user, refreshToken: refreshToken}
}

// CurrentUser returns the live user handle, or ErrNoLiveSession.
func (backend *RESTFederatedBackend) CurrentUser(ctx context.Context) (*FederatedUser, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	if backend.state == nil {
		return nil, ErrNoLiveSession
	}
	user := backend.state.user
	return &user, nil
}

type federatedLookupResponse struct {
	Users []struct {
		LocalID     string `json:"localId"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		PhotoURL    string `json:"photoUrl"`
	} `json:"users"`
}

// Reload re-fetches the live user's account data.
func (backend *RESTFederatedBackend) Reload(ctx context.Context) error {
	current, err := backend.IDToken(ctx, false)
	if err != nil {
		return err
	}

	body, marshalErr := json.Marshal(map[string]string{"idToken": current})
	if marshalErr != nil {
		return fmt.Errorf("identity.federated.reload: %w", marshalErr)
	}
	endpoint := backend.config.LookupEndpoint + "?key=" + url.QueryEscape(backend.config.APIKey)
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if requestErr != nil {
		return fmt.Errorf("identity.federated.reload: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/json")

	response, doErr := backend.httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("identity.federated.reload: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("identity.federated.reload: unexpected status %d", response.StatusCode)
	}

	var decoded federatedLookupResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&decoded); decodeErr != nil {
		return fmt.Errorf("identity.federated.reload: %w", decodeErr)
	}
	if len(decoded.Users) == 0 {
		return fmt.Errorf("identity.federated.reload: account lookup returned no users")
	}

	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	if backend.state == nil {
		return ErrNoLiveSession
	}
	account := decoded.Users[0]
	backend.state.user = FederatedUser{
		UID:         account.LocalID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		PhotoURL:    account.PhotoURL,
	}
	return nil
}

// IDToken returns the session's ID token, minting a fresh one when forced or
// when the cached one is gone or past due.
func (backend *RESTFederatedBackend) IDToken(ctx context.Context, forceRefresh bool) (string, error) {
	result, err := backend.IDTokenResult(ctx, forceRefresh)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

// IDTokenResult returns the ID token together with its expiration.
func (backend *RESTFederatedBackend) IDTokenResult(ctx context.Context, forceRefresh bool) (IDTokenResult, error) {
	backend.mutex.Lock()
	if backend.state == nil {
		backend.mutex.Unlock()
		return IDTokenResult{}, ErrNoLiveSession
	}
	cached := *backend.state
	backend.mutex.Unlock()

	if !forceRefresh && cached.idToken != "" && backend.now().Before(cached.idTokenExpiry) {
		return IDTokenResult{Token: cached.idToken, ExpirationTime: cached.idTokenExpiry}, nil
	}
	return backend.exchangeRefreshToken(ctx, cached.refreshToken)
}

// SignOut drops the live session. Idempotent.
func (backend *RESTFederatedBackend) SignOut(ctx context.Context) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.state = nil
	return nil
}

type federatedTokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

func (backend *RESTFederatedBackend) exchangeRefreshToken(ctx context.Context, refreshToken string) (IDTokenResult, error) {
	if refreshToken == "" {
		return IDTokenResult{}, fmt.Errorf("identity.federated.token: session has no refresh token")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	endpoint := backend.config.TokenEndpoint + "?key=" + url.QueryEscape(backend.config.APIKey)
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return IDTokenResult{}, fmt.Errorf("identity.federated.token: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, doErr := backend.httpClient.Do(request)
	if doErr != nil {
		return IDTokenResult{}, fmt.Errorf("identity.federated.token: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return IDTokenResult{}, fmt.Errorf("identity.federated.token: unexpected status %d", response.StatusCode)
	}

	var decoded federatedTokenResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&decoded); decodeErr != nil {
		return IDTokenResult{}, fmt.Errorf("identity.federated.token: %w", decodeErr)
	}
	if decoded.IDToken == "" {
		return IDTokenResult{}, fmt.Errorf("identity.federated.token: token endpoint returned no id token")
	}

	if backend.config.Audience != "" && backend.config.Validator != nil {
		if validateErr := backend.config.Validator.Validate(ctx, decoded.IDToken, backend.config.Audience); validateErr != nil {
			return IDTokenResult{}, fmt.Errorf("identity.federated.token.validate: %w", validateErr)
		}
	}

	lifetime := 55 * time.Minute
	if seconds, parseErr := strconv.ParseInt(decoded.ExpiresIn, 10, 64); parseErr == nil && seconds > 0 {
		lifetime = time.Duration(seconds) * time.Second
	}
	expiry := backend.now().Add(lifetime)

	backend.mutex.Lock()
	if backend.state != nil {
		backend.state.idToken = decoded.IDToken
		backend.state.idTokenExpiry = expiry
		// The token service rotates refresh tokens; keep the latest.
		if decoded.RefreshToken != "" {
			backend.state.refreshToken = decoded.RefreshToken
		}
	}
	backend.mutex.Unlock()

	return IDTokenResult{Token: decoded.IDToken, ExpirationTime: expiry}, nil
}

func (backend *RESTFederatedBackend) now() time.Time {
	if backend.config.Clock != nil {
		return backend.config.Clock.Now()
	}
	return time.Now().UTC()
}
