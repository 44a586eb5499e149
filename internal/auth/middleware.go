package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
)

type ctxKey string

const principalKey ctxKey = "principal"

// Authenticator turns a request into a Principal.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

func (j *JWT) Authenticate(r *http.Request) (Principal, error) {
	h := r.Header.Get("Authorization")
	if h == "" || !strings.HasPrefix(h, "Bearer ") {
		return Principal{}, errMissingToken
	}
	return j.Verify(strings.TrimPrefix(h, "Bearer "))
}

// DevHeaders trusts X-Principal-ID and X-Principal-Role. Local runs only.
type DevHeaders struct{}

func (DevHeaders) Authenticate(r *http.Request) (Principal, error) {
	p := Principal{ID: r.Header.Get("X-Principal-ID"), Role: Role(r.Header.Get("X-Principal-Role"))}
	if p.ID == "" || !p.Role.Valid() {
		return Principal{}, errMissingToken
	}
	return p, nil
}

type authError string

func (e authError) Error() string { return string(e) }

const errMissingToken authError = "missing bearer token"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// RequireAuth rejects requests without a valid principal.
func RequireAuth(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := a.Authenticate(r)
			if err != nil {
				deny(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole must run after RequireAuth.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			if !slices.Contains(roles, p.Role) {
				deny(w, http.StatusForbidden, "forbidden", "role "+string(p.Role)+" may not call this endpoint")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func deny(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": msg}})
}
