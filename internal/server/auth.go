package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"buildline/internal/engine/auth"
)

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.ID
	}
	return ""
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware requires a bearer token on every route under basePath
// except health and the API description. Websocket clients that cannot set
// headers may pass the token as the access_token query parameter instead.
func newAuthMiddleware(basePath string, svc auth.Service, logger *slog.Logger) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
		path.Join(basePath, "docs"):         true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			var token string
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
				t, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, req, newAPIError(http.StatusUnauthorized, "invalid_credentials", "authorization header must be Bearer <token>", nil))
					return
				}
				token = t
			} else {
				token = strings.TrimSpace(req.URL.Query().Get("access_token"))
			}
			if token == "" {
				respondStatusError(w, req, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}

			principal, err := svc.Authenticate(req.Context(), token)
			if err != nil {
				var ae *auth.AuthError
				if !errors.As(err, &ae) {
					logger.Error("authenticate request", "err", err)
					respondStatusError(w, req, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
					return
				}
				logger.Debug("rejected credentials", "path", req.URL.Path, "reason", ae.Reason)
				respondStatusError(w, req, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, req *http.Request, err huma.StatusError) {
	status := err.GetStatus()
	if wantsXML(req.Header.Get("Accept")) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_ = xml.NewEncoder(w).Encode(err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func wantsXML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		if isXML(part) {
			return true
		}
		if strings.Contains(part, "json") {
			return false
		}
	}
	return false
}
