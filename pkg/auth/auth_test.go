package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carp/pkg/carp"
)

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestExtractorVerifiedJWT(t *testing.T) {
	secret := []byte("test-secret")
	e := &Extractor{Secret: secret}

	token := signToken(t, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		PrincipalType: "agent",
		Org:           "acme",
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	p := e.Principal(r)
	assert.Equal(t, carp.PrincipalAgent, p.Type)
	assert.Equal(t, "alice", p.ID)
	assert.Equal(t, "acme", p.Org)
}

func TestExtractorRejectsBadSignature(t *testing.T) {
	e := &Extractor{Secret: []byte("right-secret")}
	token := signToken(t, []byte("wrong-secret"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, Anonymous, e.Principal(r))
}

func TestExtractorUnverifiedFallback(t *testing.T) {
	e := &Extractor{}
	token := signToken(t, []byte("any"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"},
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	p := e.Principal(r)
	assert.Equal(t, "bob", p.ID)
	assert.Equal(t, carp.PrincipalUser, p.Type)
}

func TestExtractorAPIKey(t *testing.T) {
	e := &Extractor{}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "svc-key-123")

	p := e.Principal(r)
	assert.Equal(t, carp.PrincipalService, p.Type)
	assert.Equal(t, "svc-key-123", p.ID)
}

func TestExtractorAnonymous(t *testing.T) {
	e := &Extractor{}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, Anonymous, e.Principal(r))
}

func TestMiddlewareAttachesPrincipal(t *testing.T) {
	e := &Extractor{}
	var got carp.Principal
	handler := Middleware(e)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = PrincipalFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "svc-1")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "svc-1", got.ID)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "fixed-id")
	handler.ServeHTTP(rec, r)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware([]string{"https://app.example.com"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/", nil)
	r.Header.Set("Origin", "https://app.example.com")
	handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	handler.ServeHTTP(rec, r)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
