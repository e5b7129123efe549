// Package auth issues and rotates the gateway's credential pairs: short-lived
// access JWTs plus opaque refresh tokens held server-side.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stafflink-ai/employee-stream/internal/middleware"
	"github.com/stafflink-ai/employee-stream/internal/model"
)

// refreshTokenTTL is how long a refresh token stays redeemable.
const refreshTokenTTL = 24 * time.Hour

// ErrInvalidRefreshToken is returned when a refresh token is unknown or
// expired. The handler maps it to a definitive 401.
var ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")

// Identity is who a refresh token belongs to.
type Identity struct {
	UserID   string
	TenantID string
}

type refreshRecord struct {
	identity  Identity
	expiresAt time.Time
}

// Store maps live refresh tokens to identities and mints access JWTs.
type Store struct {
	jwtSecret []byte
	accessTTL time.Duration

	mu      sync.Mutex
	refresh map[string]refreshRecord
}

// NewStore creates a credential store.
func NewStore(jwtSecret string, accessTTL time.Duration) *Store {
	return &Store{
		jwtSecret: []byte(jwtSecret),
		accessTTL: accessTTL,
		refresh:   make(map[string]refreshRecord),
	}
}

// Issue creates a fresh session for the identity.
func (s *Store) Issue(id Identity) (model.Session, error) {
	refreshToken := uuid.New().String()

	s.mu.Lock()
	s.refresh[refreshToken] = refreshRecord{
		identity:  id,
		expiresAt: time.Now().Add(refreshTokenTTL),
	}
	s.mu.Unlock()

	return s.mint(id, refreshToken)
}

// Rotate redeems a refresh token for a new session, invalidating the old
// token. Unknown or expired tokens fail with ErrInvalidRefreshToken.
func (s *Store) Rotate(refreshToken string) (model.Session, error) {
	s.mu.Lock()
	rec, ok := s.refresh[refreshToken]
	if !ok || time.Now().After(rec.expiresAt) {
		delete(s.refresh, refreshToken)
		s.mu.Unlock()
		return model.Session{}, ErrInvalidRefreshToken
	}
	delete(s.refresh, refreshToken)

	next := uuid.New().String()
	s.refresh[next] = refreshRecord{
		identity:  rec.identity,
		expiresAt: time.Now().Add(refreshTokenTTL),
	}
	s.mu.Unlock()

	return s.mint(rec.identity, next)
}

func (s *Store) mint(id Identity, refreshToken string) (model.Session, error) {
	expiresAt := time.Now().Add(s.accessTTL)

	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID: id.TenantID,
	}

	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return model.Session{}, err
	}

	return model.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.Unix(),
	}, nil
}
