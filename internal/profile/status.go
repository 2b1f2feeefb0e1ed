package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ParentProfile is the linked business-parent record, when one exists.
type ParentProfile struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Status is the profile-status service's answer for one user.
type Status struct {
	ProfileToken string         `json:"profile_token,omitempty"`
	Parent       *ParentProfile `json:"parent,omitempty"`
	IsComplete   bool           `json:"is_complete,omitempty"`
}

// StatusRequest identifies the user whose profile status is wanted.
type StatusRequest struct {
	AccessToken string
	UserID      string
	ParentID    string
}

const statusCacheTTL = 30 * time.Second

// StatusClient fetches profile status from the platform profile service.
// Responses are cached briefly so the recovery strategies and the token
// provider do not hammer the service during a single startup sequence.
type StatusClient struct {
	baseURL    string
	httpClient *http.Client
	cache      *gocache.Cache
	logger     *zap.Logger
}

// NewStatusClient constructs a profile-status client.
func NewStatusClient(baseURL string, logger *zap.Logger) *StatusClient {
	return &StatusClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      gocache.New(statusCacheTTL, time.Minute),
		logger:     logger,
	}
}

type statusResponse struct {
	ProfileToken string         `json:"profile_token"`
	Parent       *ParentProfile `json:"parent"`
	IsComplete   bool           `json:"is_complete"`
}

// FetchProfileStatus asks the profile service about one user.
func (client *StatusClient) FetchProfileStatus(ctx context.Context, request StatusRequest) (Status, error) {
	if cached, found := client.cache.Get(request.UserID); found {
		if status, ok := cached.(Status); ok {
			return status, nil
		}
	}

	body, marshalErr := json.Marshal(map[string]string{
		"user_id":   request.UserID,
		"parent_id": request.ParentID,
	})
	if marshalErr != nil {
		return Status{}, fmt.Errorf("profile.status: %w", marshalErr)
	}
	httpRequest, requestErr := http.NewRequestWithContext(ctx, http.MethodPost,
		client.baseURL+"/v1/profile/status", bytes.NewReader(body))
	if requestErr != nil {
		return Status{}, fmt.Errorf("profile.status: %w", requestErr)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+request.AccessToken)

	response, doErr := client.httpClient.Do(httpRequest)
	if doErr != nil {
		return Status{}, fmt.Errorf("profile.status: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("profile.status: unexpected status %d", response.StatusCode)
	}

	var decoded statusResponse
	if decodeErr := json.NewDecoder(response.Body).Decode(&decoded); decodeErr != nil {
		return Status{}, fmt.Errorf("profile.status: %w", decodeErr)
	}

	status := Status{
		ProfileToken: decoded.ProfileToken,
		Parent:       decoded.Parent,
		IsComplete:   decoded.IsComplete,
	}
	client.cache.SetDefault(request.UserID, status)
	return status, nil
}

// ResolveStatus is the best-effort variant used during recovery and refresh:
// a failed lookup falls back to the caller's prior values instead of failing
// the whole operation, so enrichment outages never cost a session.
func (client *StatusClient) ResolveStatus(ctx context.Context, request StatusRequest, fallback Status) Status {
	status, err := client.FetchProfileStatus(ctx, request)
	if err != nil {
		client.logger.Warn("profile status lookup failed; using prior values",
			zap.String("user_id", request.UserID), zap.Error(err))
		return fallback
	}
	return status
}
