// Package auth extracts the requesting Principal from HTTP requests and
// provides the transport middleware that does not depend on the runtime:
// principal injection, request ids, and CORS.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/carp/pkg/carp"
)

// Anonymous is the principal attached when a request carries no usable
// credentials. Access is gated by session scopes, not by transport identity.
var Anonymous = carp.Principal{Type: carp.PrincipalUser, ID: "anonymous"}

// Claims are the JWT claims the runtime understands.
type Claims struct {
	jwt.RegisteredClaims
	PrincipalType string `json:"principal_type,omitempty"`
	Org           string `json:"org,omitempty"`
}

// Extractor turns request credentials into a Principal. With a Secret it
// verifies bearer tokens (HMAC); without one, bearer claims are read
// unverified, which suits development and tests.
type Extractor struct {
	Secret []byte
}

// Principal resolves the request's identity: bearer JWT first, then
// X-API-Key, then Anonymous.
func (e *Extractor) Principal(r *http.Request) carp.Principal {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if p, ok := e.fromToken(parts[1]); ok {
				return p
			}
		}
		return Anonymous
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return carp.Principal{Type: carp.PrincipalService, ID: key}
	}
	return Anonymous
}

func (e *Extractor) fromToken(token string) (carp.Principal, bool) {
	claims := &Claims{}
	if len(e.Secret) > 0 {
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return e.Secret, nil
		})
		if err != nil || !parsed.Valid {
			return carp.Principal{}, false
		}
	} else {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(token, claims); err != nil {
			return carp.Principal{}, false
		}
	}
	if claims.Subject == "" {
		return carp.Principal{}, false
	}
	return carp.Principal{
		Type: principalType(claims.PrincipalType),
		ID:   claims.Subject,
		Org:  claims.Org,
	}, true
}

func principalType(s string) carp.PrincipalType {
	switch carp.PrincipalType(s) {
	case carp.PrincipalService:
		return carp.PrincipalService
	case carp.PrincipalAgent:
		return carp.PrincipalAgent
	default:
		return carp.PrincipalUser
	}
}

// Middleware attaches the extracted Principal to every request context.
func Middleware(e *Extractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithPrincipal(r.Context(), e.Principal(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
