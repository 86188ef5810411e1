package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client's idempotency key on POSTs.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey      = "idem.key"
	ctxKeyIdemResource = "idem.resource" // uint: id created by the first request
	ctxKeyRateBypass   = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	s := c.GetString(ctxKeyIdemKey)
	return s, s != ""
}

// ReplayOf returns the resource id recorded for this request's key when the
// request repeats one that already completed.
func ReplayOf(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ctxKeyIdemResource)
	if !ok {
		return 0, false
	}
	id, _ := v.(uint)
	return id, id != 0
}

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	// Scope namespaces keys per endpoint, e.g. "waybills".
	Scope string
	// MaxLen caps the key length; <= 0 means 200.
	MaxLen  int
	Pattern *regexp.Regexp
}

// IdempotencyLookup returns the resource id stored for (userID, scope, key)
// if it is still valid at now. Lookup errors never block the request.
type IdempotencyLookup func(ctx context.Context, userID uint, scope, key string, now time.Time) (resourceID uint, found bool, err error)

// IdempotencyValidator validates the Idempotency-Key header, stashes it and,
// when lookup finds a completed request with the same key for the same user,
// marks the request as a replay (ReplayOf) and lets it bypass the edge rate
// limiter. Handlers decide how to serve the replay. Requests without the
// header pass through untouched. Mount after authentication.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		uid, err := strconv.ParseUint(c.GetString("userID"), 10, 64)
		if lookup != nil && err == nil && uid > 0 {
			rid, found, lerr := lookup(c.Request.Context(), uint(uid), opts.Scope, key, time.Now().UTC())
			if lerr != nil {
				LoggerFrom(c).Warn().Err(lerr).Msg("idempotency lookup failed")
			}
			if found {
				c.Set(ctxKeyIdemResource, rid)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}
