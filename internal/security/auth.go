// Package security holds the HTTP auth middleware, access logging, and
// Prometheus metrics.
package security

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/philia-app/mentor-service/internal/config"
)

// ContextKeyClientID is the gin context key for the authenticated client ID.
const ContextKeyClientID = "clientID"

// TokenResolver resolves API keys to client identities. Initialized once at
// startup and shared by all routes.
type TokenResolver struct {
	apiKeys     map[string]string
	testingMode bool
}

// NewTokenResolver creates a TokenResolver from the application config.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	return &TokenResolver{
		apiKeys:     cfg.APIKeys,
		testingMode: cfg.Mode == config.ModeTesting,
	}
}

// Resolve maps a bearer token (or, in testing mode, a bare X-Client-ID
// header) to a client ID.
func (r *TokenResolver) Resolve(bearerToken, clientIDHeader string) (string, error) {
	if bearerToken != "" {
		if clientID, ok := r.apiKeys[bearerToken]; ok {
			return clientID, nil
		}
	}
	// X-Client-ID without a key: only accepted in testing mode.
	if r.testingMode && clientIDHeader != "" {
		return clientIDHeader, nil
	}
	return "", fmt.Errorf("unknown API key")
}

// AuthMiddleware authenticates requests via "Authorization: Bearer <api-key>".
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token := ""
		if auth != "" {
			token = strings.TrimPrefix(auth, "Bearer ")
			if token == auth {
				log.Info("Auth rejected: invalid Authorization header; expected Bearer token",
					"method", c.Request.Method, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
				return
			}
		}

		clientID, err := resolver.Resolve(token, c.GetHeader("X-Client-ID"))
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyClientID, clientID)
		c.Next()
	}
}
