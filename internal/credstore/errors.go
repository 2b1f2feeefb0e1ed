package credstore

import "errors"

var (
	// ErrRecordNotFound indicates a storage tier holds no value for the requested key.
	ErrRecordNotFound = errors.New("credstore.not_found")
	// ErrSecureUnavailable indicates the secure tier rejected a read or write.
	ErrSecureUnavailable = errors.New("credstore.secure_unavailable")
	// ErrAllTiersUnavailable indicates neither storage tier accepted the credential.
	ErrAllTiersUnavailable = errors.New("credstore.all_tiers_unavailable")
)
