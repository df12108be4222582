package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Context keys
const (
	ContextKeyAPIKey    = "apiKey"
	ContextKeyAccountID = "authAccountID"
)

// RootAdminID is the account identity assumed by requests that
// authenticate with the shared admin secret instead of an API key.
const RootAdminID = "admin_root"

// Middleware returns a Gin middleware that validates API keys.
// If the key is valid, it sets the account ID in the context.
// If no key is provided, the request continues unauthenticated
// (individual handlers can require auth).
func Middleware(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}

		if rawKey == "" {
			c.Next()
			return
		}

		key, err := manager.ValidateKey(c.Request.Context(), rawKey)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_api_key",
				"message": "The provided API key is invalid, expired, or revoked",
			})
			c.Abort()
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Set(ContextKeyAccountID, key.AccountID)
		c.Next()
	}
}

// RequireAuth returns a middleware that requires a valid API key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "This endpoint requires an API key. Pass it in the Authorization header.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAdmin returns a middleware that passes only admin-flagged API
// keys, or requests carrying the shared admin secret in X-Admin-Secret.
// An empty configured secret disables the header path entirely.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, exists := c.Get(ContextKeyAPIKey); exists {
			if key, ok := v.(*APIKey); ok && key.Admin {
				c.Next()
				return
			}
		}

		provided := c.GetHeader("X-Admin-Secret")
		if adminSecret != "" && provided != "" &&
			subtle.ConstantTimeCompare([]byte(provided), []byte(adminSecret)) == 1 {
			if c.GetString(ContextKeyAccountID) == "" {
				c.Set(ContextKeyAccountID, RootAdminID)
			}
			c.Next()
			return
		}

		c.JSON(http.StatusForbidden, gin.H{
			"error":   "admin_required",
			"message": "This endpoint requires an admin API key",
		})
		c.Abort()
	}
}

// RequireOwnership returns a middleware that ensures the authenticated
// account matches the :accountID path parameter.
func RequireOwnership() gin.HandlerFunc {
	return func(c *gin.Context) {
		authed := c.GetString(ContextKeyAccountID)
		if authed == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "This endpoint requires an API key",
			})
			c.Abort()
			return
		}

		target := c.Param("accountID")
		if target != "" && target != authed {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You can only access your own account",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
