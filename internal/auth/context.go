package auth

import (
	"context"

	"github.com/stayware/lodgemap/internal/model"
)

type contextKey struct{}

// WithPrincipal stores the authenticated API principal on the context.
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the authenticated principal, if any.
func FromContext(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*model.Principal)
	return p, ok
}

// PrincipalID returns the authenticated principal's id, or 0.
func PrincipalID(ctx context.Context) int64 {
	p, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return p.ID
}

func IsAdmin(ctx context.Context) bool {
	p, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return p.Role == model.RoleAdmin
}
