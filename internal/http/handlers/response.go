// Package handlers provides HTTP handler implementations for the back-office
// API.
//
// This file defines the standard response utilities used across all
// endpoints: the error envelope, the mapping from service errors to HTTP
// status codes, and small helpers for pagination and path parameters.
//
// Conventions:
//   - All error responses return an ErrorResponse with a stable `code`.
//   - Handlers never choose a status for a service error themselves; they
//     call failErr, which maps the error taxonomy in one place.
//   - 5xx responses are logged with the request-scoped logger.
//
// Example error response:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: 1312
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "too_many_requests",
//	  "message": "rate limit exceeded: at most 10 waybill_receipt actions per 1h0m0s"
//	}
package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-waybill-backend/internal/auth"
	"github.com/tbourn/go-waybill-backend/internal/http/middleware"
	"github.com/tbourn/go-waybill-backend/internal/services"
	"github.com/tbourn/go-waybill-backend/internal/utils"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
	// Fields lists per-field validation problems, keyed by JSON field name.
	Fields map[string]string `json:"fields,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	failFields(c, status, code, msg, nil)
}

func failFields(c *gin.Context, status int, code, msg string, fields map[string]string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
		Fields:    fields,
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail() for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr translates a service error into the matching HTTP response.
// Unknown errors become a 500 whose message does not leak internals; the
// cause is logged instead.
func failErr(c *gin.Context, err error) {
	var verr *services.ValidationError
	var rerr *services.RateLimitError
	switch {
	case errors.As(err, &verr):
		failFields(c, http.StatusBadRequest, ErrCodeBadRequest, "validation failed", verr.Fields)
	case errors.As(err, &rerr):
		secs := int(math.Ceil(rerr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, rerr.Error())
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrSelfDelete):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrRateLimited):
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "resource not found")
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrInvalidCredentials):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, services.ErrAccountLocked):
		fail(c, http.StatusLocked, ErrCodeAccountLocked, err.Error())
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrUpstreamUnavailable):
		fail(c, http.StatusBadGateway, ErrCodeUpstreamUnavailable, "sms provider unavailable")
	case errors.Is(err, services.ErrNumberGenerationExhausted):
		fail(c, http.StatusServiceUnavailable, ErrCodeNumberExhausted, err.Error())
	default:
		_ = c.Error(err)
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// bindJSON decodes the body into dst, answering 400 on malformed JSON.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// pathID parses the :id parameter, answering 400 when it is not a positive
// integer.
func pathID(c *gin.Context) (uint, bool) {
	id, valid := utils.ParseID(c.Param("id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// actor returns the authenticated caller, answering 401 when absent.
func actor(c *gin.Context) (auth.Actor, bool) {
	a, found := auth.FromGin(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return auth.Actor{}, false
	}
	return a, true
}

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.Clamp(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

// notModified sets etag and reports whether If-None-Match already matches,
// in which case a 304 has been written.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	c.Header("Cache-Control", "private, no-cache")
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
