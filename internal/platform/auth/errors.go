package auth

import "errors"

// Sentinel errors for the expected-steady-state outcomes of the token
// lifecycle. Protocol and configuration failures are constructed inline
// with context instead.
var (
	// ErrUnknownPlatform is returned when a platform id has no registry entry.
	ErrUnknownPlatform = errors.New("auth: unknown platform")

	// ErrNoOAuthConfig is returned when a platform definition carries no
	// OAuth configuration.
	ErrNoOAuthConfig = errors.New("auth: platform has no oauth configuration")

	// ErrNoClientID is returned when a platform's OAuth configuration has
	// no client id.
	ErrNoClientID = errors.New("auth: platform oauth configuration has no client_id")

	// ErrInsufficientScope is returned when a token's SMART scopes exist
	// but none of them allow the requested operation.
	ErrInsufficientScope = errors.New("auth: insufficient scope for operation")

	// ErrDecryptFailed is returned when a session envelope cannot be
	// decrypted or authenticated.
	ErrDecryptFailed = errors.New("auth: session decryption failed")
)
