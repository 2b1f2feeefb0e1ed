package authtransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// TokenSource returns the bearer token to attach to an outgoing request,
// refreshing it first if needed.
type TokenSource func(ctx context.Context) (string, error)

// Sentinel errors exposed by the transport.
var (
	ErrMissingTokenSource = errors.New("auth.transport.missing_token_source")
	ErrEmptyToken         = errors.New("auth.transport.empty_token")
)

// Config configures the Transport.
type Config struct {
	// Base handles the decorated request. Defaults to http.DefaultTransport.
	Base http.RoundTripper
	// Tokens supplies the bearer token per request.
	Tokens TokenSource
	// OnUnauthorized is invoked when the upstream answers 401 despite a
	// freshly supplied token, which means the session is beyond local repair.
	OnUnauthorized func(ctx context.Context)
}

// Transport is an http.RoundTripper that attaches a fresh bearer token to
// every request and reports terminal authorization failures.
type Transport struct {
	base           http.RoundTripper
	tokens         TokenSource
	onUnauthorized func(ctx context.Context)
}

// New constructs a Transport after validating the supplied configuration.
func New(configuration Config) (*Transport, error) {
	if configuration.Tokens == nil {
		return nil, fmt.Errorf("auth.transport.new: %w", ErrMissingTokenSource)
	}
	base := configuration.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:           base,
		tokens:         configuration.Tokens,
		onUnauthorized: configuration.OnUnauthorized,
	}, nil
}

// Client wraps a Transport in an http.Client.
func Client(configuration Config) (*http.Client, error) {
	transport, err := New(configuration)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport}, nil
}

// RoundTrip decorates the request with the current bearer token. The request
// is cloned first; RoundTrippers must not mutate the caller's request.
func (transport *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	bearer, tokenErr := transport.tokens(request.Context())
	if tokenErr != nil {
		return nil, fmt.Errorf("auth.transport.token: %w", tokenErr)
	}
	if bearer == "" {
		return nil, fmt.Errorf("auth.transport.token: %w", ErrEmptyToken)
	}

	decorated := request.Clone(request.Context())
	decorated.Header.Set("Authorization", "Bearer "+bearer)

	response, roundTripErr := transport.base.RoundTrip(decorated)
	if roundTripErr != nil {
		return nil, roundTripErr
	}
	if response.StatusCode == http.StatusUnauthorized && transport.onUnauthorized != nil {
		transport.onUnauthorized(request.Context())
	}
	return response, nil
}
