package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"go.uber.org/zap"
)

type contextKey string

const operatorKey contextKey = "operator"

// JWTAuthMiddleware admits operators holding a valid access token and puts
// their claims in the request context.
func JWTAuthMiddleware(auth *service.OperatorAuth, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func(reason, msg string, err error) {
				logger.Warn("operator auth rejected",
					zap.String("reason", reason),
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, msg)
			}

			raw, ok := bearerToken(r)
			switch {
			case !ok:
				reject("missing", "Token de autenticação não fornecido", nil)
				return
			case raw == "":
				reject("format", "Formato de token inválido", nil)
				return
			}

			claims, err := auth.ValidateToken(raw)
			if err != nil {
				reject("invalid", err.Error(), err)
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken returns the token of the Authorization header. ok is false
// when the header is absent; an empty token means a malformed header.
func bearerToken(r *http.Request) (token string, ok bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, rest, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(rest), true
}

// RequireSupervisor rejects operators without the supervisor role. Must run
// after JWTAuthMiddleware.
func RequireSupervisor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := OperatorFromContext(r.Context())
		if op == nil || !op.Supervisor() {
			writeError(w, http.StatusForbidden, "Ação restrita a supervisores")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OperatorFromContext extracts the authenticated operator from context.
func OperatorFromContext(ctx context.Context) *service.OperatorClaims {
	v, _ := ctx.Value(operatorKey).(*service.OperatorClaims)
	return v
}
