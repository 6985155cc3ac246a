package oauth2

import "time"

// TokenSet is a complete OAuth token response as held by the application
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	TokenType    string    `json:"token_type"`
	Scope        string    `json:"scope,omitempty"`
}

// ExpiryInstant is IssuedAt plus ExpiresIn
func (t *TokenSet) ExpiryInstant() time.Time {
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsExpired reports whether now is at or after the expiry instant
func (t *TokenSet) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiryInstant())
}

// SecondsUntilExpiry is negative once the token has expired
func (t *TokenSet) SecondsUntilExpiry(now time.Time) int64 {
	return int64(t.ExpiryInstant().Sub(now) / time.Second)
}

// RemainingFraction is the share of the original lifetime still left, in [0, 1]
func (t *TokenSet) RemainingFraction(now time.Time) float64 {
	if t.ExpiresIn <= 0 {
		return 0
	}
	remaining := t.ExpiryInstant().Sub(now).Seconds() / float64(t.ExpiresIn)
	if remaining < 0 {
		return 0
	}
	if remaining > 1 {
		return 1
	}
	return remaining
}
