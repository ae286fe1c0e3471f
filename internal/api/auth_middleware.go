package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ContextActorKey is where the auth middleware stores the authenticated
// actor name. Emergency handlers prefer it over any actor claimed in the
// request body.
const ContextActorKey = "auth_actor"

// AuthConfig maps static API keys to actor identities. Keys are stored as
// SHA-256 hex digests so the config file never holds a raw key.
type AuthConfig struct {
	Enabled    bool
	HeaderName string
	Keys       map[string]string // sha256 hex digest -> actor
}

// DefaultAuthConfig returns the default auth configuration: disabled, with
// the conventional header name.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:    false,
		HeaderName: "X-API-Key",
	}
}

// HashKey returns the hex digest under which a raw API key is looked up
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// AuthMiddleware validates the API key header and resolves it to an actor.
// When auth is disabled it only passes through the actor header, if any,
// for request logging.
func AuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	header := cfg.HeaderName
	if header == "" {
		header = "X-API-Key"
	}

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		raw := c.GetHeader(header)
		if raw == "" {
			// Fall back to Authorization: Bearer <key>
			bearer := c.GetHeader("Authorization")
			if strings.HasPrefix(bearer, "Bearer ") {
				raw = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing API key",
			})
			return
		}

		actor, ok := cfg.Keys[HashKey(raw)]
		if !ok {
			log.Warn().Str("client_ip", c.ClientIP()).Msg("Rejected request with unknown API key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid API key",
			})
			return
		}

		c.Set(ContextActorKey, actor)
		c.Next()
	}
}

// authenticatedActor returns the actor resolved by the auth middleware,
// or "" when auth is disabled.
func authenticatedActor(c *gin.Context) string {
	if v, ok := c.Get(ContextActorKey); ok {
		if actor, ok := v.(string); ok {
			return actor
		}
	}
	return ""
}
