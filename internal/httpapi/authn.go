package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"bankcore.io/internal/auth"
	"bankcore.io/internal/ledger"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/token",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth attaches the bearer identity to the request context. Protected
// handlers reject requests without one through requirePermission.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.tokens == nil {
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication is not configured")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bankcore"`)
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		claims, err := a.tokens.Parse(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bankcore", error="invalid_token"`)
			writeError(w, r, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}
		ctx := auth.ContextWithUser(r.Context(), claims.User(), claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission guards a handler with a role permission.
func (a *API) requirePermission(perm string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.CurrentUser(r.Context()); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="bankcore"`)
			writeError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		if !auth.HasPermission(r.Context(), perm) {
			writeError(w, r, http.StatusForbidden, "forbidden", "operation not permitted")
			return
		}
		next(w, r)
	}
}

// callerFrom maps the authenticated user onto the ledger's caller identity.
func callerFrom(r *http.Request) (ledger.Caller, error) {
	u, err := auth.CurrentUser(r.Context())
	if err != nil {
		return ledger.Caller{}, ledger.ErrUnauthenticated
	}
	return ledger.Caller{ID: u.ID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}, nil
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
