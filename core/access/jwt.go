package access

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/agriwatch/core/failure"
	"github.com/relabs-tech/agriwatch/core/logger"
)

// BearerToken extracts the token from the "Authorization: Bearer" header.
// It returns an empty string if there is none.
func BearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
		return strings.TrimSpace(bearer[7:])
	}
	return ""
}

// NewSessionMiddleware returns a middleware handler that requires a valid
// session bearer token.
//
// This is a final handler with regards to the token. It returns
// http.StatusUnauthorized when the token is missing, revoked, expired or
// otherwise not acceptable. The client only ever sees a generic message,
// the reason goes to the request log.
func NewSessionMiddleware(a *Authority) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rlog := logger.FromContext(r.Context())
			token := BearerToken(r)
			identity, err := a.Verify(r.Context(), token)
			if err != nil {
				if failure.IsKind(err, failure.Unauthenticated) {
					rlog.WithError(err).Infoln("session rejected")
				} else {
					rlog.WithError(err).Errorln("cannot verify session")
				}
				failure.Write(w, err)
				return
			}

			ctx := ContextWithIdentity(r.Context(), identity)
			ctx = ContextWithToken(ctx, token)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity.String())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
