package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by Middleware.
const (
	ContextKeyAPIKey = "apiKey"
	ContextKeyUserID = "authUserID"
)

// Middleware resolves the caller's identity from the Authorization or
// X-API-Key header when one is present. It never rejects; enforcement
// belongs to RequireAuth so public reads can share the same chain.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("Authorization")
		if credential == "" {
			credential = c.GetHeader("X-API-Key")
		}
		if credential != "" {
			if key, err := m.ValidateKey(c.Request.Context(), credential); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
			}
		}
		c.Next()
	}
}

// RequireAuth aborts with 401 unless Middleware authenticated the
// request earlier in the chain.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			abortUnauthorized(c, "API key required. Include 'Authorization: Bearer sk_...' header.")
			return
		}
		c.Next()
	}
}

// RequireOwnership aborts unless the authenticated user matches the
// route parameter paramName. Mismatches get 403, not 404, so callers
// learn the resource exists but is not theirs.
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			abortUnauthorized(c, "API key required.")
			return
		}
		if key.UserID != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not own this resource.",
			})
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": msg,
	})
}

// GetAPIKey returns the validated key for this request, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// AuthenticatedUser returns the caller's user ID, or "" for anonymous
// requests.
func AuthenticatedUser(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyUserID); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// IsAuthenticated reports whether Middleware attached a valid key.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := c.Get(ContextKeyAPIKey)
	return ok
}
