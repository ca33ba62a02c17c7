package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"todochain/internal/auth"
)

type AuthConfig struct {
	Verifier auth.Verifier
	Logger   *log.Logger
}

// Principal is the wallet behind a verified credential.
type Principal struct {
	Address   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actorFromContext returns the caller's address, or "" on public routes.
func actorFromContext(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.Address
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

// gateError is the body written by the credential gate.
type gateError struct {
	status  int
	Message string `json:"message"`
}

const (
	msgNoToken      = "Access denied. No token provided."
	msgInvalidToken = "Invalid or expired token."
)

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	public := map[string]bool{}
	for _, p := range []string{"health", "openapi.json", "auth/verify-signature", "notification/subscribe"} {
		public[path.Join(basePath, p)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[req.URL.Path] || req.Method == http.MethodOptions {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondGateError(w, gateError{status: http.StatusUnauthorized, Message: msgNoToken})
				return
			}
			cred, err := cfg.Verifier.Authenticate(token)
			if err != nil {
				if errors.Is(err, auth.ErrUnauthenticated) {
					respondGateError(w, gateError{status: http.StatusUnauthorized, Message: msgNoToken})
					return
				}
				cfg.logger().Printf("rejected credential for %s %s: %v", req.Method, req.URL.Path, err)
				respondGateError(w, gateError{status: http.StatusForbidden, Message: msgInvalidToken})
				return
			}
			ctx := withPrincipal(req.Context(), Principal{
				Address:   cred.Address,
				IssuedAt:  cred.IssuedAt,
				ExpiresAt: cred.ExpiresAt,
			})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondGateError(w http.ResponseWriter, e gateError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.status)
	_ = json.NewEncoder(w).Encode(e)
}
