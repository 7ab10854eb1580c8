package auth

import (
	"context"

	"github.com/Mindburn-Labs/carp/pkg/carp"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p carp.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the Principal from the context, defaulting to
// Anonymous when no middleware ran.
func PrincipalFrom(ctx context.Context) carp.Principal {
	if p, ok := ctx.Value(principalKey).(carp.Principal); ok {
		return p
	}
	return Anonymous
}
