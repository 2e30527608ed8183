package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key of the authenticated *APIKey.
	ContextKeyAPIKey = "apiKey"
	// AdminSecretHeader carries the admin secret.
	AdminSecretHeader = "X-Admin-Secret"
)

// Middleware attaches the caller's key when the request carries a valid
// one. It never aborts; use RequireAuth for that.
func Middleware(ring *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw != "" {
			if key, err := ring.ValidateKey(raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetAPIKey(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer <key>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireGroup requires a key allowed to act on the signer group named by
// the paramName route parameter.
func RequireGroup(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !key.CanAct(c.Param(paramName)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This key is not bound to that signer group.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin requires an operator key and the admin secret header.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok || key.Group != "" || !SecretEqual(c.GetHeader(AdminSecretHeader), secret) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the authenticated key, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// Actor names the caller in audit fields, e.g. "api:ops".
func Actor(c *gin.Context) string {
	if key, ok := GetAPIKey(c); ok {
		return "api:" + key.Name
	}
	return "api:anonymous"
}
