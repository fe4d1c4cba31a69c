package auth

import "time"

// DefaultExpiryBuffer is the safety margin IsExpired applies so callers
// stop using a token slightly before the provider's deadline.
const DefaultExpiryBuffer = 120 * time.Second

// OAuthToken is a token-endpoint response plus derived expiry bookkeeping.
// Tokens are replaced wholesale on refresh, never mutated in place.
// ExpiresAt is computed once at construction from created_at + expires_in;
// a token without expires_in never reports expired.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`

	// Unix seconds. ExpiresAt == 0 means the token never expires.
	CreatedAt int64 `json:"created_at"`
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// NewOAuthToken stamps a freshly parsed token-endpoint response with its
// creation time and derives the absolute expiry.
func NewOAuthToken(accessToken, tokenType, refreshToken, scope, idToken string, expiresIn int64) *OAuthToken {
	now := time.Now().Unix()
	t := &OAuthToken{
		AccessToken:  accessToken,
		TokenType:    tokenType,
		RefreshToken: refreshToken,
		Scope:        scope,
		IDToken:      idToken,
		ExpiresIn:    expiresIn,
		CreatedAt:    now,
	}
	if expiresIn > 0 {
		t.ExpiresAt = now + expiresIn
	}
	return t
}

// SecondsUntilExpiry returns the seconds left before expiry, negative once
// past it. A token without an expiry reports a practically infinite value.
func (t *OAuthToken) SecondsUntilExpiry() int64 {
	if t.ExpiresAt == 0 {
		return 1<<62 - 1
	}
	return t.ExpiresAt - time.Now().Unix()
}

// HasExpired reports whether the token is within buffer of its expiry.
// Tokens without an expiry never expire.
func (t *OAuthToken) HasExpired(buffer time.Duration) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return t.SecondsUntilExpiry() < int64(buffer/time.Second)
}

// IsExpired applies the default safety buffer.
func (t *OAuthToken) IsExpired() bool {
	return t.HasExpired(DefaultExpiryBuffer)
}
