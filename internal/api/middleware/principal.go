package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// PrincipalHeader carries the caller identity set by the authentication
// layer in front of the service.
const PrincipalHeader = "X-Principal-ID"

const principalKey = "principal_id"

// Principal rejects requests without a positive principal id.
func Principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ParsePrincipal(c.GetHeader(PrincipalHeader))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + PrincipalHeader})
			return
		}
		c.Set(principalKey, id)
		c.Next()
	}
}

// ParsePrincipal parses a principal header value.
func ParsePrincipal(v string) (int64, bool) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PrincipalID returns the id stored by Principal, or 0.
func PrincipalID(c *gin.Context) int64 {
	return c.GetInt64(principalKey)
}
