package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		TenantID: "tenant-1",
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func authedEcho(t *testing.T) http.Handler {
	t.Helper()
	return Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user-1", GetUserID(r.Context()))
		assert.Equal(t, "tenant-1", GetTenantID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAuthBearerHeader(t *testing.T) {
	token := signToken(t, testSecret, time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/stream/employee/emp-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	authedEcho(t).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthQueryParamFallback(t *testing.T) {
	token := signToken(t, testSecret, time.Now().Add(time.Hour))

	// EventSource connections cannot set headers; the token rides the URL.
	req := httptest.NewRequest(http.MethodGet, "/stream/employee/emp-1?token="+token, nil)
	rec := httptest.NewRecorder()

	authedEcho(t).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthRejections(t *testing.T) {
	cases := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"no credentials", func(r *http.Request) {}},
		{"garbage token", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer not-a-jwt")
		}},
		{"wrong secret", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", time.Now().Add(time.Hour)))
		}},
		{"expired token", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, time.Now().Add(-time.Minute)))
		}},
		{"non-bearer scheme", func(r *http.Request) {
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/stream/employee/emp-1", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()

			handler := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run without valid credentials")
			}))
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestValidateMessageContent(t *testing.T) {
	assert.NoError(t, ValidateMessageContent("hello"))
	assert.Error(t, ValidateMessageContent(""))
	assert.Error(t, ValidateMessageContent(string(make([]byte, 100001))))
	assert.Error(t, ValidateMessageContent("bad \xff utf8"))
}

func TestValidateEmployeeID(t *testing.T) {
	assert.NoError(t, ValidateEmployeeID("emp-1"))
	assert.Error(t, ValidateEmployeeID(""))
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'x'
	}
	assert.Error(t, ValidateEmployeeID(string(long)))
}
