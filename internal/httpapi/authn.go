package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"soundboard.app/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	// Websockets authenticate in-band (dashboard) or with their own credential (executor).
	"/v1/ws",
	"/v1/executor/ws",
}

// withAuth resolves the bearer token into an identity through the identity cache.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.handleError(w, r, errors.Join(auth.ErrUnauthenticated, err))
			return
		}
		id, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			a.handleError(w, r, err)
			return
		}

		ctx := auth.ContextWithIdentity(r.Context(), id)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireMember wraps group-scoped handlers: the caller must belong to {group_id}.
func (a *API) requireMember(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.TokenFromContext(r.Context())
		if !ok {
			a.handleError(w, r, auth.ErrUnauthenticated)
			return
		}
		group, err := groupIDFromPath(r)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		if err := a.auth.Authorize(r.Context(), token, group); err != nil {
			a.handleError(w, r, err)
			return
		}
		next(w, r)
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
