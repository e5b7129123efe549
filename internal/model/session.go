package model

import "time"

// Session holds the bearer credential pair for the current login.
//
// ExpiresAt is unix seconds for the access token.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Expired reports whether the access token expires within the given buffer.
func (s Session) Expired(buffer time.Duration) bool {
	return time.Now().Add(buffer).Unix() >= s.ExpiresAt
}

// RefreshRequest is the body of the credential refresh call.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is the credential refresh payload. ExpiresAt may be absent,
// in which case the client derives it from the access token itself.
type RefreshResponse struct {
	Session struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    *int64 `json:"expires_at,omitempty"`
	} `json:"session"`
}
