package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"bloodbank-api/internal/model"
	"bloodbank-api/internal/service"
	"bloodbank-api/pkg/apierror"

	"go.uber.org/zap"
)

// ActorKey is the key for storing the authenticated actor in request context.
const ActorKey contextKey = "actor"

// ActorHeader names the operator acting under a shared API key.
const ActorHeader = "X-Actor"

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Tokens  *service.TokenService
	APIKeys []string
	// Open admits every request as an admin. Only for local development.
	Open   bool
	Logger *zap.Logger
}

// NewAuthMiddleware creates an authentication middleware with injected dependencies.
//
// Credentials are tried in order: a bearer JWT (or ?token= for EventSource
// clients), then X-API-Key. A bearer value that is not a JWT is also checked
// against the API keys.
func NewAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := make([]string, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := authenticate(r, cfg, keys)
			if err != nil {
				log.Debug("request rejected",
					zap.String("path", r.URL.Path),
					zap.String("request_id", GetRequestID(r.Context())),
					zap.String("reason", err.Message))
				writeError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), ActorKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, cfg AuthConfig, keys []string) (*model.Actor, *apierror.Error) {
	bearer := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		bearer = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if bearer == "" {
		bearer = r.URL.Query().Get("token")
	}

	if bearer != "" && cfg.Tokens.Enabled() && strings.Count(bearer, ".") == 2 {
		actor, err := cfg.Tokens.Parse(bearer)
		if err != nil {
			return nil, apierror.Unauthorized("Invalid or expired token")
		}
		return actor, nil
	}

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = bearer
	}
	if apiKey != "" {
		if !isValidKey(apiKey, keys) {
			return nil, apierror.Unauthorized("Invalid API key")
		}
		return &model.Actor{ID: actorName(r, "api-key"), Role: model.RoleAdmin}, nil
	}

	if cfg.Open {
		return &model.Actor{ID: actorName(r, "anonymous"), Role: model.RoleAdmin}, nil
	}
	return nil, apierror.Unauthorized("Authentication required. Use a bearer token or X-API-Key header.")
}

func actorName(r *http.Request, fallback string) string {
	if name := strings.TrimSpace(r.Header.Get(ActorHeader)); name != "" {
		return name
	}
	return fallback
}

// writeError writes an API error response.
func writeError(w http.ResponseWriter, err *apierror.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	w.Write(err.ToJSON())
}

// isValidKey checks if the provided key is in the valid keys list.
func isValidKey(key string, validKeys []string) bool {
	for _, valid := range validKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// ActorFromContext returns the authenticated actor, or nil.
func ActorFromContext(ctx context.Context) *model.Actor {
	if a, ok := ctx.Value(ActorKey).(*model.Actor); ok {
		return a
	}
	return nil
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor *model.Actor) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}
