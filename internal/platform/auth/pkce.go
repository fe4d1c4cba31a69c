package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// RFC 7636 constants.
const (
	pkceVerifierMinLength = 43
	pkceVerifierMaxLength = 128

	// DefaultVerifierLength is used when callers do not care about the
	// exact verifier size.
	DefaultVerifierLength = 64

	pkceUnreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"
)

// PKCEChallenge is a code verifier and its S256 challenge, per RFC 7636.
// The verifier is kept only inside a pending authorization; the challenge
// goes into the authorization URL.
type PKCEChallenge struct {
	CodeVerifier        string
	CodeChallenge       string
	CodeChallengeMethod string
}

// NewPKCEChallenge generates a verifier of the given length from a
// cryptographically secure source and derives its S256 challenge.
// Lengths outside [43, 128] are rejected.
func NewPKCEChallenge(length int) (*PKCEChallenge, error) {
	if length < pkceVerifierMinLength || length > pkceVerifierMaxLength {
		return nil, fmt.Errorf("pkce: verifier length must be %d-%d, got %d",
			pkceVerifierMinLength, pkceVerifierMaxLength, length)
	}

	// Draw twice the needed bytes so the modulo mapping always has input.
	raw := make([]byte, length*2)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("pkce: read random bytes: %w", err)
	}

	verifier := make([]byte, 0, length)
	for _, b := range raw {
		if len(verifier) >= length {
			break
		}
		verifier = append(verifier, pkceUnreservedChars[int(b)%len(pkceUnreservedChars)])
	}

	return &PKCEChallenge{
		CodeVerifier:        string(verifier),
		CodeChallenge:       computeS256Challenge(string(verifier)),
		CodeChallengeMethod: "S256",
	}, nil
}

// computeS256Challenge returns base64url(SHA-256(verifier)) without padding.
func computeS256Challenge(verifier string) string {
	digest := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}
