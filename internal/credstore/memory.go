package credstore

import (
	"context"
	"sync"
)

// MemorySecureStore is an in-memory secure tier intended for tests and dev.
// Failure modes can be injected to exercise degraded-write paths.
type MemorySecureStore struct {
	mutex  sync.Mutex
	values map[string]string

	// FailSet and FailGet, when non-nil, are returned by the corresponding
	// operation to simulate a secure-tier outage.
	FailSet error
	FailGet error
}

// NewMemorySecureStore creates an empty in-memory secure store.
func NewMemorySecureStore() *MemorySecureStore {
	return &MemorySecureStore{values: make(map[string]string)}
}

// Get returns the stored value or ErrRecordNotFound.
func (store *MemorySecureStore) Get(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.FailGet != nil {
		return "", store.FailGet
	}
	value, ok := store.values[key]
	if !ok {
		return "", ErrRecordNotFound
	}
	return value, nil
}

// Set stores the value.
func (store *MemorySecureStore) Set(ctx context.Context, key string, value string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.FailSet != nil {
		return store.FailSet
	}
	store.values[key] = value
	return nil
}

// Delete removes the value. Idempotent.
func (store *MemorySecureStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.values, key)
	return nil
}

// Len reports the number of stored entries.
func (store *MemorySecureStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.values)
}

// MemoryPlainStore is an in-memory plaintext tier intended for tests and dev.
type MemoryPlainStore struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryPlainStore creates an empty in-memory plaintext store.
func NewMemoryPlainStore() *MemoryPlainStore {
	return &MemoryPlainStore{values: make(map[string]string)}
}

// Get returns the stored value or ErrRecordNotFound.
func (store *MemoryPlainStore) Get(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.values[key]
	if !ok {
		return "", ErrRecordNotFound
	}
	return value, nil
}

// Set stores the value.
func (store *MemoryPlainStore) Set(ctx context.Context, key string, value string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.values[key] = value
	return nil
}

// Remove deletes the given keys. Missing keys are ignored.
func (store *MemoryPlainStore) Remove(ctx context.Context, keys []string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for _, key := range keys {
		delete(store.values, key)
	}
	return nil
}

// Len reports the number of stored entries.
func (store *MemoryPlainStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.values)
}
