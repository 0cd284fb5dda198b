package middleware

import (
	"context"
	"net/http"

	"github.com/stayflow/stayflow-backend/internal/domain"
	"github.com/stayflow/stayflow-backend/internal/http/response"
	"github.com/stayflow/stayflow-backend/internal/observability"
	"github.com/stayflow/stayflow-backend/internal/service"
)

type contextKey string

const (
	PrincipalContextKey contextKey = "principal"
)

// AuthMiddleware resolves the caller through the credential pipeline
// (bearer token, session cookie, refresh cookie) and stores the
// principal on the request context. Failures always produce the same
// response body so the client cannot tell which stage rejected it.
func AuthMiddleware(resolver service.PrincipalResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, source, ok := resolver.ResolvePrincipal(r)
			if !ok {
				observability.RecordAccessTokenValidation(r.Context(), "invalid", source)
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized", nil)
				return
			}
			observability.RecordAccessTokenValidation(r.Context(), "valid", source)
			ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func PrincipalFromContext(ctx context.Context) (*domain.Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*domain.Principal)
	return p, ok
}
