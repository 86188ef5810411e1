// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Two layers of rate limiting apply. The edge token bucket (per user or IP)
// protects the process; the per-user sliding-window quotas on SMS-producing
// actions live in the services and survive restarts.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/auth"
	"github.com/tbourn/go-waybill-backend/internal/config"
	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/http/handlers"
	"github.com/tbourn/go-waybill-backend/internal/http/middleware"
	"github.com/tbourn/go-waybill-backend/internal/notify"
	"github.com/tbourn/go-waybill-backend/internal/phone"
	"github.com/tbourn/go-waybill-backend/internal/ratelimit"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/services"
	"github.com/tbourn/go-waybill-backend/internal/sms"
)

// Services bundles the application services built from one configuration.
// The server and the background jobs share a single instance.
type Services struct {
	Clients  *services.ClientService
	Waybills *services.WaybillService
	SmsLogs  *services.SmsLogService
	Users    *services.UserService
	Stats    *services.StatsService
	Limiter  *ratelimit.Limiter
	Tokens   *auth.Tokens
}

// NewServices builds every service over db, sending notifications through gw.
func NewServices(db *gorm.DB, cfg config.Config, gw sms.Gateway) *Services {
	plan := phone.Default
	plan.CountryCode = cfg.Phone.CountryCode
	plan.Region = cfg.Phone.Region
	loc := cfg.Location()

	lim := ratelimit.New(db)

	clients := services.NewClientService(db)
	clients.Phones = plan

	waybills := services.NewWaybillService(db, clients, gw, notify.NewRenderer(cfg.SMS.Language), lim)
	waybills.CreatePolicy.Limit = cfg.Limits.WaybillPerWindow
	waybills.CreatePolicy.Window = cfg.Limits.Window
	waybills.StatusPolicy.Limit = cfg.Limits.StatusPerWindow
	waybills.StatusPolicy.Window = cfg.Limits.Window
	waybills.Location = loc

	users := services.NewUserService(db)
	users.Phones = plan
	users.BcryptCost = cfg.Auth.BcryptCost
	users.MaxAttempts = cfg.Auth.MaxAttempts
	users.Lockout = cfg.Auth.Lockout

	return &Services{
		Clients:  clients,
		Waybills: waybills,
		SmsLogs:  &services.SmsLogService{DB: db, Gateway: gw},
		Users:    users,
		Stats:    &services.StatsService{DB: db, Location: loc},
		Limiter:  lim,
		Tokens:   auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
	}
}

// idempotencyStore persists Idempotency-Key outcomes through the repo layer.
type idempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// Remember records resourceID under the key. A live record for the same key
// means its resource was deleted and the request ran again, so the record is
// pointed at the new resource.
func (s idempotencyStore) Remember(ctx context.Context, userID uint, scope, key string, resourceID uint) error {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, scope, key, resourceID, http.StatusCreated, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return repo.RebindIdempotency(ctx, s.db, userID, scope, key, resourceID)
	}
	return err
}

// Lookup adapts repo.GetIdempotency to middleware.IdempotencyLookup.
func (s idempotencyStore) Lookup(ctx context.Context, userID uint, scope, key string, now time.Time) (uint, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rec.ResourceID, true, nil
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID, Logger: correlation id and request-scoped logger
//  3. RedactingLogger: access log with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// Inside the API, authentication runs first so the edge limiter can key by
// user; on POST /waybills the idempotency validator runs before the limiter
// so replays bypass it.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config, svc *Services) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())

	// 3) Structured access log with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Beem-Signature"},
		SkipPaths:   []string{"/health", "/ready", "/metrics"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (allow all if none configured) and security headers
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness and readiness
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", readiness(db))

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	idem := idempotencyStore{db: db, ttl: cfg.IdempotencyTTL}
	h := &handlers.Handlers{
		Clients:  svc.Clients,
		Waybills: svc.Waybills,
		SmsLogs:  svc.SmsLogs,
		Users:    svc.Users,
		Stats:    svc.Stats,
		Tokens:   svc.Tokens,
		Idem:     idem,
	}

	edge := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	compress := gzip.Gzip(gzip.DefaultCompression)

	base := groupWithPrefix(r, cfg.APIBasePath)

	// Public
	base.POST("/auth/login", edge.Handler(), h.Login)

	// Authenticated
	authed := base.Group("", auth.Middleware(svc.Tokens, svc.Users.Lookup), middleware.WithUser())
	authed.POST("/waybills",
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{Scope: handlers.IdempotencyScopeWaybills}, idem.Lookup),
		edge.Handler(),
		h.CreateWaybill,
	)

	api := authed.Group("", edge.Handler())
	{
		api.GET("/auth/me", h.Me)

		// Dashboard
		api.GET("/stats", h.Dashboard)
		api.GET("/stats/waybills", h.WaybillStats)

		// Clients
		api.GET("/clients", compress, h.ListClients)
		api.POST("/clients", h.CreateClient)
		api.GET("/clients/:id", h.GetClient)
		api.PUT("/clients/:id", h.UpdateClient)
		api.GET("/clients/:id/waybills", compress, h.ListClientWaybills)
		api.GET("/clients/:id/sms-logs", compress, h.ListClientSmsLogs)

		// Waybills
		api.GET("/waybills", compress, h.ListWaybills)
		api.GET("/waybills/:id", h.GetWaybill)
		api.DELETE("/waybills/:id", h.DeleteWaybill)
		api.POST("/waybills/:id/departed", h.SendDeparted)
		api.POST("/waybills/:id/on-road", h.SendOnRoad)
		api.POST("/waybills/:id/arrived", h.SendArrived)

		// SMS logs
		api.GET("/sms-logs", compress, h.ListSmsLogs)
		api.POST("/sms-logs/:id/check", h.CheckSmsLog)
	}

	admin := api.Group("", auth.RequireRole(domain.RoleAdmin))
	{
		admin.DELETE("/clients/:id", h.DeleteClient)
		admin.DELETE("/sms-logs/:id", h.DeleteSmsLog)

		admin.GET("/users", h.ListUsers)
		admin.POST("/users", h.CreateUser)
		admin.PUT("/users/:id", h.UpdateUser)
		admin.POST("/users/:id/reset-password", h.ResetPassword)
		admin.DELETE("/users/:id", h.DeleteUser)
	}
}

// corsMiddleware returns the CORS chain. With no allowlist every origin is
// accepted without credentials; otherwise only listed origins are echoed.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "Retry-After", "ETag", "Idempotent-Replayed"}
	methods := []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}

	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// Force ACAO: * even for requests without an Origin header.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     methods,
				AllowHeaders:     allowHeaders,
				ExposeHeaders:    exposeHeaders,
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, found := allowed[origin]; found {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     methods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// readiness pings the database with a short deadline.
func readiness(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness check failed")
			handlers.Fail(c, http.StatusServiceUnavailable, handlers.ErrCodeNotReady, "database unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
