package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

const actorGinKey = "actor"

// UserLookup reports whether the user behind a token may still act. It lets
// deactivated or deleted accounts lose access before their token expires.
type UserLookup func(ctx context.Context, id uint) (*domain.User, error)

// Middleware authenticates "Authorization: Bearer <jwt>" and stores the
// Actor in the Gin context, the request context, and under "userID" for the
// logging and rate-limit middleware.
func Middleware(t *Tokens, lookup UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		a, err := t.Verify(strings.TrimSpace(raw))
		if err != nil {
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		if lookup != nil {
			u, err := lookup(c.Request.Context(), a.UserID)
			if err != nil || u == nil || !u.Active {
				abort(c, http.StatusUnauthorized, "unauthorized", "account is not active")
				return
			}
			// Role changes take effect immediately.
			a.Role = u.Role
			a.Username = u.Username
		}
		a.IP = c.ClientIP()

		c.Set(actorGinKey, a)
		c.Set("userID", strconv.FormatUint(uint64(a.UserID), 10))
		c.Request = c.Request.WithContext(WithActor(c.Request.Context(), a))
		c.Next()
	}
}

// RequireRole rejects actors whose role is not in roles.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := FromGin(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		for _, r := range roles {
			if a.Role == r {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, "forbidden", "insufficient role")
	}
}

// FromGin returns the actor set by Middleware.
func FromGin(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(actorGinKey)
	if !ok {
		return Actor{}, false
	}
	a, ok := v.(Actor)
	return a, ok
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       code,
		"message":    msg,
	})
}
