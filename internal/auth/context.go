package auth

import "context"

// Identity is the caller resolved from a verified access token.
type Identity struct {
	UserID    string
	Email     string
	Role      Role
	SessionID string
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

func IdentityFromClaims(claims AccessClaims) Identity {
	return Identity{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		SessionID: claims.SessionID,
	}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
