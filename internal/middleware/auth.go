package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ManagementAuth guards management endpoints with a shared key, accepted as
// a bearer token or the X-Management-Key header. Comparison runs over sha256
// digests so its timing does not depend on the key contents.
func ManagementAuth(key string) gin.HandlerFunc {
	want := sha256.Sum256([]byte(key))
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"message": "Management key not configured",
					"type":    "auth_error",
				},
			})
			return
		}
		got := sha256.Sum256([]byte(extractManagementKey(c)))
		if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "Invalid management key",
					"type":    "auth_error",
				},
			})
			return
		}
		c.Next()
	}
}

func extractManagementKey(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return strings.TrimSpace(c.GetHeader("X-Management-Key"))
}
