package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestLoadSessionConfigRequiresProfileAPI(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("auth_gateway_url", "https://auth.example.com")

	_, err := LoadSessionConfig()
	if err == nil {
		t.Fatalf("expected error when profile_api_url is missing")
	}
	expectedMessage := "config.missing_profile_api_url: profile_api_url must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadSessionConfigRequiresABackend(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("profile_api_url", "https://profiles.example.com")

	_, err := LoadSessionConfig()
	if err == nil {
		t.Fatalf("expected error when no identity backend is configured")
	}
	expectedMessage := "config.missing_identity_backends: at least one of auth_gateway_url and federated_api_key must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadSessionConfigAcceptsFederatedOnly(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("profile_api_url", "https://profiles.example.com")
	viper.Set("federated_api_key", "api-key")
	viper.Set("federated_audience", "audience")
	viper.Set("dedupe_refresh", true)

	sessionConfig, err := LoadSessionConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if sessionConfig.FederatedAPIKey != "api-key" || sessionConfig.AuthGatewayURL != "" {
		t.Fatalf("unexpected config %+v", sessionConfig)
	}
	if !sessionConfig.DedupeRefresh {
		t.Fatalf("expected dedupe_refresh honored")
	}
}

func TestSubcommandsRequirePreparedConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	_, err := sessionConfigFromCommand(&cobra.Command{})
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	expectedMessage := "config.uninitialized_session_config: session configuration not prepared; PersistentPreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}
