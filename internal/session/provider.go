// Package session supplies a currently-valid bearer credential on demand,
// refreshing it near expiry and collapsing concurrent refreshes for the same
// refresh token into a single network call.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
	"github.com/stafflink-ai/employee-stream/pkg/metrics"
)

// expiryBuffer is how close to expiry a token may get before it is refreshed.
const expiryBuffer = 5 * time.Minute

var (
	// ErrNoSession is returned when no credential is stored (logged out).
	ErrNoSession = errors.New("session: no active session")

	// ErrSessionExpired is returned when the refresh endpoint definitively
	// rejected the refresh token; the local session has been cleared.
	ErrSessionExpired = errors.New("session: refresh rejected, logged out")

	// ErrMalformedRefresh is returned when the refresh response does not
	// match the expected shape. This is a protocol violation, not a
	// recoverable auth failure.
	ErrMalformedRefresh = errors.New("session: malformed refresh response")
)

// Provider owns the session credential and hands out valid access tokens.
type Provider struct {
	refreshURL string
	httpClient *http.Client
	logger     *logger.Logger

	mu      sync.Mutex
	session *model.Session

	refresh singleflight.Group
}

// NewProvider creates a credential provider against the given refresh
// endpoint. A nil httpClient gets a 30-second-timeout default.
func NewProvider(refreshURL string, httpClient *http.Client, log *logger.Logger) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		refreshURL: refreshURL,
		httpClient: httpClient,
		logger:     log,
	}
}

// Current returns a copy of the stored session, if any.
func (p *Provider) Current() (model.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return model.Session{}, false
	}
	return *p.session, true
}

// SetSession stores a session. The update is applied only when the access
// token actually changed, which keeps cross-tab sync from looping on its own
// write-backs.
func (p *Provider) SetSession(s model.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil && p.session.AccessToken == s.AccessToken {
		return
	}
	copied := s
	p.session = &copied
}

// Clear drops the stored session (logout).
func (p *Provider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
}

// Token returns a currently valid access token, refreshing first when the
// stored one is within the expiry buffer.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return "", ErrNoSession
	}
	current := *p.session
	p.mu.Unlock()

	if !current.Expired(expiryBuffer) {
		return current.AccessToken, nil
	}

	refreshed, err := p.refreshSession(ctx, current.RefreshToken)
	if err != nil {
		// Ambiguous failures keep the previous credential usable if it is
		// still structurally present. Definitive rejections cleared it, and a
		// logout that landed mid-refresh must stay a logout.
		if !errors.Is(err, ErrSessionExpired) && !errors.Is(err, ErrMalformedRefresh) &&
			!errors.Is(err, ErrNoSession) && current.AccessToken != "" {
			p.logger.Warnw("credential refresh failed, reusing previous token", "error", err)
			return current.AccessToken, nil
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refreshSession performs one refresh round trip. Concurrent callers holding
// the same refresh token share a single in-flight call; a different refresh
// token gets an independent attempt.
func (p *Provider) refreshSession(ctx context.Context, refreshToken string) (model.Session, error) {
	v, err, _ := p.refresh.Do(refreshToken, func() (interface{}, error) {
		return p.doRefresh(ctx, refreshToken)
	})
	if err != nil {
		return model.Session{}, err
	}
	return v.(model.Session), nil
}

func (p *Provider) doRefresh(ctx context.Context, refreshToken string) (model.Session, error) {
	body, err := json.Marshal(model.RefreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.refreshURL, bytes.NewReader(body))
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.CredentialRefreshesTotal.WithLabelValues("network_error").Inc()
		return model.Session{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		metrics.CredentialRefreshesTotal.WithLabelValues("rejected").Inc()
		p.logger.Warnw("refresh token rejected, clearing session", "status", resp.StatusCode)
		p.Clear()
		return model.Session{}, ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		metrics.CredentialRefreshesTotal.WithLabelValues("error").Inc()
		return model.Session{}, fmt.Errorf("refresh request returned status %d", resp.StatusCode)
	}

	var payload model.RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.CredentialRefreshesTotal.WithLabelValues("malformed").Inc()
		return model.Session{}, fmt.Errorf("%w: %v", ErrMalformedRefresh, err)
	}

	next, err := sessionFromRefresh(payload)
	if err != nil {
		metrics.CredentialRefreshesTotal.WithLabelValues("malformed").Inc()
		return model.Session{}, err
	}

	// Re-read the authoritative state after the await boundary: a logout or a
	// competing refresh may have landed while this call was in flight, and
	// its result must not be overridden.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		metrics.CredentialRefreshesTotal.WithLabelValues("discarded").Inc()
		p.logger.Infow("session cleared during refresh, discarding result")
		return model.Session{}, ErrNoSession
	}
	if p.session.RefreshToken != refreshToken {
		// Another refresh already rotated the credential; use theirs.
		metrics.CredentialRefreshesTotal.WithLabelValues("superseded").Inc()
		return *p.session, nil
	}
	p.session = &next
	metrics.CredentialRefreshesTotal.WithLabelValues("ok").Inc()
	return next, nil
}

// sessionFromRefresh validates the refresh payload strictly. Missing fields
// are a fatal protocol violation, never silently coerced. A missing
// expires_at is derived from the access token's own exp claim.
func sessionFromRefresh(payload model.RefreshResponse) (model.Session, error) {
	s := payload.Session
	if s.AccessToken == "" {
		return model.Session{}, fmt.Errorf("%w: missing access_token", ErrMalformedRefresh)
	}
	if s.RefreshToken == "" {
		return model.Session{}, fmt.Errorf("%w: missing refresh_token", ErrMalformedRefresh)
	}

	expiresAt := int64(0)
	if s.ExpiresAt != nil {
		expiresAt = *s.ExpiresAt
	} else {
		exp, err := tokenExpiry(s.AccessToken)
		if err != nil {
			return model.Session{}, fmt.Errorf("%w: missing expires_at and %v", ErrMalformedRefresh, err)
		}
		expiresAt = exp
	}
	if expiresAt <= 0 {
		return model.Session{}, fmt.Errorf("%w: non-positive expires_at", ErrMalformedRefresh)
	}

	return model.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// tokenExpiry extracts the exp claim from a JWT access token without
// verifying its signature; only the server is trusted to verify.
func tokenExpiry(accessToken string) (int64, error) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return 0, fmt.Errorf("access token is not a parseable JWT: %w", err)
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, errors.New("access token carries no exp claim")
	}
	return exp.Unix(), nil
}
