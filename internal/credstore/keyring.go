package credstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// baseKeyringService is the default service name for OS keychain entries.
// It can be namespaced via environment for tests and parallel dev installs.
const baseKeyringService = "tailmate-mobile"

// KeyringServiceName resolves the effective keychain service name.
// Precedence: TAILMATE_KEYRING_SERVICE (full override),
// TAILMATE_KEYRING_NAMESPACE (suffix), then the base name.
func KeyringServiceName() string {
	if override := strings.TrimSpace(os.Getenv("TAILMATE_KEYRING_SERVICE")); override != "" {
		return override
	}
	if namespace := strings.TrimSpace(os.Getenv("TAILMATE_KEYRING_NAMESPACE")); namespace != "" {
		return baseKeyringService + "-" + namespace
	}
	return baseKeyringService
}

// KeyringStore implements the secure tier on the operating system keychain.
type KeyringStore struct {
	service string
}

// NewKeyringStore constructs a keychain-backed secure store. An empty service
// name selects the environment-resolved default.
func NewKeyringStore(service string) *KeyringStore {
	if strings.TrimSpace(service) == "" {
		service = KeyringServiceName()
	}
	return &KeyringStore{service: service}
}

// Get reads a secret from the keychain.
func (store *KeyringStore) Get(ctx context.Context, key string) (string, error) {
	value, err := keyring.Get(store.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrRecordNotFound
		}
		return "", fmt.Errorf("credstore.keyring.get: %w", err)
	}
	return value, nil
}

// Set writes a secret to the keychain.
func (store *KeyringStore) Set(ctx context.Context, key string, value string) error {
	if err := keyring.Set(store.service, key, value); err != nil {
		return fmt.Errorf("credstore.keyring.set: %w", err)
	}
	return nil
}

// Delete removes a secret from the keychain. Missing entries are not an error.
func (store *KeyringStore) Delete(ctx context.Context, key string) error {
	if err := keyring.Delete(store.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("credstore.keyring.delete: %w", err)
	}
	return nil
}
