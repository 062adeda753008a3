// README: Bearer token auth middleware; resolves the caller identity via infra.TokenVerifier.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"rideshare/internal/infra"
	"rideshare/internal/types"
)

const ctxCallerUID = "caller_uid"

// Auth requires a valid token in the Authorization header. Browsers cannot set
// headers on WebSocket upgrades, so a "token" query parameter is accepted too.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tok, err := verifier.VerifyToken(c.Request.Context(), raw)
		if err != nil || tok == nil || tok.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxCallerUID, types.ID(tok.UID))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return c.Query("token")
}

// CallerUID returns the authenticated user, or "" outside Auth.
func CallerUID(c *gin.Context) types.ID {
	v, _ := c.Get(ctxCallerUID)
	id, _ := v.(types.ID)
	return id
}
