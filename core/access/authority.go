package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/relabs-tech/agriwatch/core/failure"
	"github.com/relabs-tech/agriwatch/core/logger"
)

// DefaultValidity is the lifetime of a session token
const DefaultValidity = time.Hour

// Reasons why a token is not accepted. They are carried as cause of the
// Unauthenticated error and end up in the logs, never in a response.
var (
	ErrTokenMissing          = errors.New("missing")
	ErrTokenRevoked          = errors.New("revoked")
	ErrTokenInvalidOrExpired = errors.New("invalid_or_expired")
)

type sessionClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authority issues, verifies and revokes session tokens.
type Authority struct {
	secret      []byte
	validity    time.Duration
	revocations RevocationStore
	now         func() time.Time
}

// Builder is a builder helper for the Authority
type Builder struct {
	// Secret is the HMAC secret tokens are signed with. This is mandatory.
	Secret string
	// Revocations stores revoked tokens. This is mandatory.
	Revocations RevocationStore
	// Validity is the lifetime of issued tokens. Default is DefaultValidity.
	Validity time.Duration
	// Clock returns the current time. Default is time.Now.
	Clock func() time.Time
}

// NewAuthority returns a new session authority
func NewAuthority(b *Builder) *Authority {
	if len(b.Secret) == 0 {
		panic("session secret is missing")
	}
	if b.Revocations == nil {
		panic("revocation store is missing")
	}
	a := &Authority{
		secret:      []byte(b.Secret),
		validity:    b.Validity,
		revocations: b.Revocations,
		now:         b.Clock,
	}
	if a.validity <= 0 {
		a.validity = DefaultValidity
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Issue returns a new session token for identity and its expiry time.
func (a *Authority) Issue(identity Identity) (string, time.Time, error) {
	now := a.now()
	expiresAt := now.Add(a.validity)
	claims := sessionClaims{
		ID:       identity.ID,
		Username: identity.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, failure.Wrap(failure.Internal, "Failed to issue session", err)
	}
	return token, expiresAt, nil
}

func unauthenticated(reason error) error {
	message := "Invalid or expired token"
	if reason == ErrTokenMissing {
		message = "Token missing"
	}
	return failure.Wrap(failure.Unauthenticated, message, reason)
}

// Verify returns the identity bound to token. The revocation set is consulted
// before signature and expiry, a revoked token is rejected even if it would
// otherwise still be valid.
func (a *Authority) Verify(ctx context.Context, token string) (Identity, error) {
	if len(token) == 0 {
		return Identity{}, unauthenticated(ErrTokenMissing)
	}
	revoked, err := a.revocations.IsRevoked(ctx, token)
	if err != nil {
		return Identity{}, failure.Wrap(failure.Internal, "Failed to verify session", err)
	}
	if revoked {
		return Identity{}, unauthenticated(ErrTokenRevoked)
	}
	claims, err := a.parse(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: claims.ID, Username: claims.Username}, nil
}

// Revoke puts a valid token into the revocation set until its natural expiry.
// Revoking a token twice is fine.
func (a *Authority) Revoke(ctx context.Context, token string) error {
	claims, err := a.parse(token)
	if err != nil {
		return err
	}
	if err := a.revocations.Revoke(ctx, token, claims.ExpiresAt.Time); err != nil {
		return failure.Wrap(failure.Internal, "Logout failed", err)
	}
	return nil
}

func (a *Authority) parse(token string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, unauthenticated(ErrTokenInvalidOrExpired)
	}
	if claims.ExpiresAt == nil || !a.now().Before(claims.ExpiresAt.Time) {
		return nil, unauthenticated(ErrTokenInvalidOrExpired)
	}
	return claims, nil
}

// Sweep removes revocation entries whose tokens have expired anyway.
func (a *Authority) Sweep(ctx context.Context) (int64, error) {
	return a.revocations.PurgeExpired(ctx, a.now())
}

// RunSweeper calls Sweep every interval until ctx is done.
func (a *Authority) RunSweeper(ctx context.Context, interval time.Duration) {
	rlog := logger.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Sweep(ctx)
			if err != nil {
				rlog.WithError(err).Errorln("cannot purge expired revocations")
				continue
			}
			if n > 0 {
				rlog.Debugf("purged %d expired revocations", n)
			}
		}
	}
}
