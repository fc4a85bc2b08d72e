/*Package access provides session authentication for the API.

A session is a signed, time-limited bearer token bound to a user identity.
The Authority issues and verifies tokens and keeps a persistent revocation
set, so that a logged-out token is rejected even before its natural expiry.

Authenticated requests carry the identity and the raw token in their context:

	identity, ok := access.IdentityFromContext(r.Context())
	token := access.TokenFromContext(r.Context())
*/
package access

import (
	"context"
	"strconv"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyIdentity contextKey = "_identity_"
	contextKeyToken    contextKey = "_token_"
)

// Identity is a user identity as bound to a session token
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// String returns the identity in log friendly form
func (i Identity) String() string {
	return i.Username + "#" + strconv.FormatInt(i.ID, 10)
}

// ContextWithIdentity returns a new context with identity added to it
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the identity of an authenticated request
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(contextKeyIdentity).(Identity)
	return identity, ok
}

// ContextWithToken returns a new context with the raw session token added to it
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyToken, token)
}

// TokenFromContext retrieves the raw session token of an authenticated request
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(contextKeyToken).(string)
	return token
}
