package httpserver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

type principalKey struct{}

// BearerAuth validates "Authorization: Bearer <token>" against the configured
// ingress tokens and stores a stable principal in the request context. With no
// tokens configured, auth is disabled and the principal falls back to the
// X-Principal header.
func BearerAuth(tokens []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 {
				principal := strings.TrimSpace(r.Header.Get("X-Principal"))
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
				return
			}

			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrInvalidArgument), nil)
				return
			}
			presented := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
			for _, t := range tokens {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(t)) == 1 {
					next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), tokenPrincipal(t))))
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="work-orders"`)
			writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
				Code: "UNAUTHENTICATED", Message: "invalid bearer token",
			}})
		})
	}
}

func withPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the authenticated principal, or "" when unknown.
func PrincipalFrom(r *http.Request) string {
	if v := r.Context().Value(principalKey{}); v != nil {
		if p, ok := v.(string); ok {
			return p
		}
	}
	return ""
}

// tokenPrincipal derives a stable non-reversible rate-limit key from a token.
func tokenPrincipal(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(sum[:8])
}
