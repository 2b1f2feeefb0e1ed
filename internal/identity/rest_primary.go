package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RESTPrimaryBackend talks to the platform auth gateway. The live session is
// identified by an opaque device-bound handle installed by the sign-in flow;
// without a handle the backend reports no live session before touching the
// network.
type RESTPrimaryBackend struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mutex         sync.Mutex
	sessionHandle string
}

// NewRESTPrimaryBackend constructs a gateway client. sessionHandle may be
// empty when no user is signed in on this device.
func NewRESTPrimaryBackend(baseURL string, sessionHandle string, logger *zap.Logger) *RESTPrimaryBackend {
	return &RESTPrimaryBackend{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
		sessionHandle: sessionHandle,
	}
}

// InstallSessionHandle replaces the device-bound session handle. The sign-in
// flow calls this after a successful credential exchange.
func (backend *RESTPrimaryBackend) InstallSessionHandle(handle string) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.sessionHandle = handle
}

type primarySessionResponse struct {
	IDToken     string         `json:"id_token"`
	AccessToken string         `json:"access_token"`
	Claims      map[string]any `json:"claims"`
}

// CurrentSession returns the gateway's live session for this device.
func (backend *RESTPrimaryBackend) CurrentSession(ctx context.Context, forceRefresh bool) (*PrimarySession, error) {
	handle := backend.currentHandle()
	if handle == "" {
		return nil, ErrNoLiveSession
	}

	body, marshalErr := json.Marshal(map[string]bool{"force_refresh": forceRefresh})
	if marshalErr != nil {
		return nil, fmt.Errorf("identity.primary.session: %w", marshalErr)
	}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost,
		backend.baseURL+"/v1/session/current", bytes.NewReader(body))
	if requestErr != nil {
		return nil, fmt.Errorf("identity.primary.session: %w", requestErr)
	}
	backend.decorate(request, handle)

	response, doErr := backend.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("identity.primary.session: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusNotFound:
		return nil, ErrNoLiveSession
	default:
		return nil, fmt.Errorf("identity.primary.session: unexpected status %d", response.StatusCode)
	}

	var decoded primarySessionResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&decoded); decodeErr != nil {
		return nil, fmt.Errorf("identity.primary.session: %w", decodeErr)
	}
	if decoded.AccessToken == "" {
		return nil, fmt.Errorf("identity.primary.session: gateway returned no access token")
	}
	return &PrimarySession{
		IDToken:     decoded.IDToken,
		AccessToken: decoded.AccessToken,
		Claims:      decoded.Claims,
	}, nil
}

type primaryUserResponse struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// CurrentUser returns the gateway's user record for the live session.
func (backend *RESTPrimaryBackend) CurrentUser(ctx context.Context) (*PrimaryUser, error) {
	handle := backend.currentHandle()
	if handle == "" {
		return nil, ErrNoLiveSession
	}

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet,
		backend.baseURL+"/v1/session/user", nil)
	if requestErr != nil {
		return nil, fmt.Errorf("identity.primary.user: %w", requestErr)
	}
	backend.decorate(request, handle)

	response, doErr := backend.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("identity.primary.user: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusNotFound:
		return nil, ErrNoLiveSession
	default:
		return nil, fmt.Errorf("identity.primary.user: unexpected status %d", response.StatusCode)
	}

	var decoded primaryUserResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&decoded); decodeErr != nil {
		return nil, fmt.Errorf("identity.primary.user: %w", decodeErr)
	}
	if decoded.ID == "" {
		return nil, fmt.Errorf("identity.primary.user: gateway returned no user id")
	}
	return &PrimaryUser{ID: decoded.ID, Attributes: decoded.Attributes}, nil
}

func (backend *RESTPrimaryBackend) currentHandle() string {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.sessionHandle
}

func (backend *RESTPrimaryBackend) decorate(request *http.Request, handle string) {
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Session "+handle)
	request.Header.Set("X-Request-ID", uuid.NewString())
}
