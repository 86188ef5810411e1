package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-waybill-backend/internal/config"
	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/http/middleware"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/services"
	"github.com/tbourn/go-waybill-backend/internal/sms"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		Auth: config.AuthConfig{
			JWTSecret:   "router-test-secret-0123",
			TokenTTL:    time.Hour,
			MaxAttempts: 5,
			Lockout:     time.Minute,
			BcryptCost:  4,
		},
		SMS:            config.SMSConfig{Provider: "disabled", Language: "en"},
		Limits:         config.LimitsConfig{WaybillPerWindow: 10, StatusPerWindow: 20, Window: time.Hour},
		Phone:          config.PhoneConfig{CountryCode: "255", Region: "TZ"},
		Timezone:       "UTC",
		IdempotencyTTL: time.Hour,
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newRouter(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB, *Services) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	svc := NewServices(db, cfg, sms.Disabled{})
	RegisterRoutes(r, db, cfg, svc)
	return r, db, svc
}

func serve(r *gin.Engine, method, path, token string, body any, hdr ...string) *httptest.ResponseRecorder {
	var rd io.Reader = http.NoBody
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func loginAs(t *testing.T, r *gin.Engine, svc *Services, username string, role domain.Role) string {
	t.Helper()
	if _, err := svc.Users.Create(context.Background(), services.CreateUserInput{
		Username: username, FullName: username, Password: "password-123", Role: role,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	w := serve(r, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": username, "password": "password-123"})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return resp.Token
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _, _ := newRouter(t, testConfig())

	w := serve(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	if w = serve(r, http.MethodGet, "/ready", "", nil); w.Code != http.StatusOK {
		t.Fatalf("GET /ready = %d", w.Code)
	}

	w = serve(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	if w = serve(r, http.MethodGet, "/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}
	if w = serve(r, http.MethodPost, "/health", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _, _ := newRouter(t, cfg)

	w := serve(r, http.MethodGet, "/health", "", nil, "Origin", "http://example.com")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
	w = serve(r, http.MethodGet, "/health", "", nil, "Origin", "http://evil.test")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin echoed: %q", got)
	}
}

func TestReady_DatabaseDown(t *testing.T) {
	r, db, _ := newRouter(t, testConfig())
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	_ = sqlDB.Close()

	w := serve(r, http.MethodGet, "/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /ready = %d, want 503", w.Code)
	}
}

func TestRoutes_AuthAndRoles(t *testing.T) {
	r, _, svc := newRouter(t, testConfig())
	clerk := loginAs(t, r, svc, "clerk1", domain.RoleClerk)
	admin := loginAs(t, r, svc, "admin1", domain.RoleAdmin)

	if w := serve(r, http.MethodGet, "/api/v1/waybills", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous list = %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/api/v1/waybills", clerk, nil); w.Code != http.StatusOK {
		t.Fatalf("clerk list = %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/api/v1/users", clerk, nil); w.Code != http.StatusForbidden {
		t.Fatalf("clerk users = %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/api/v1/users", admin, nil); w.Code != http.StatusOK {
		t.Fatalf("admin users = %d", w.Code)
	}
}

func TestRoutes_IdempotentWaybillCreate(t *testing.T) {
	r, db, svc := newRouter(t, testConfig())
	tok := loginAs(t, r, svc, "clerk1", domain.RoleClerk)
	body := map[string]any{
		"client_name": "Amina Hassan", "client_phone": "0712345678",
		"origin": "Dar es Salaam", "destination": "Mwanza",
	}

	w := serve(r, http.MethodPost, "/api/v1/waybills", tok, body, middleware.HeaderIdempotencyKey, "req-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	var first services.WaybillResult
	_ = json.Unmarshal(w.Body.Bytes(), &first)

	w = serve(r, http.MethodPost, "/api/v1/waybills", tok, body, middleware.HeaderIdempotencyKey, "req-1")
	if w.Code != http.StatusOK || w.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay = %d headers=%v", w.Code, w.Header())
	}
	var replay services.WaybillResult
	_ = json.Unmarshal(w.Body.Bytes(), &replay)
	if replay.Waybill == nil || replay.Waybill.ID != first.Waybill.ID {
		t.Fatalf("replay returned a different waybill")
	}

	var n int64
	db.Model(&domain.Waybill{}).Count(&n)
	if n != 1 {
		t.Fatalf("waybills = %d, want 1", n)
	}

	// Once the original is deleted the key produces a new waybill and
	// follows it from then on.
	path := fmt.Sprintf("/api/v1/waybills/%d", first.Waybill.ID)
	if w = serve(r, http.MethodDelete, path, tok, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	if w = serve(r, http.MethodPost, "/api/v1/waybills", tok, body, middleware.HeaderIdempotencyKey, "req-1"); w.Code != http.StatusCreated {
		t.Fatalf("recreate = %d %s", w.Code, w.Body.String())
	}
	var second services.WaybillResult
	_ = json.Unmarshal(w.Body.Bytes(), &second)
	if w = serve(r, http.MethodPost, "/api/v1/waybills", tok, body, middleware.HeaderIdempotencyKey, "req-1"); w.Code != http.StatusOK {
		t.Fatalf("second replay = %d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &replay)
	if replay.Waybill.ID != second.Waybill.ID {
		t.Fatalf("key not rebound: got %d want %d", replay.Waybill.ID, second.Waybill.ID)
	}
}

func TestRoutes_EdgeLimiter(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.01
	cfg.RateBurst = 1
	r, _, _ := newRouter(t, cfg)

	creds := map[string]string{"username": "nobody", "password": "password-123"}
	if w := serve(r, http.MethodPost, "/api/v1/auth/login", "", creds); w.Code != http.StatusUnauthorized {
		t.Fatalf("first login = %d", w.Code)
	}
	w := serve(r, http.MethodPost, "/api/v1/auth/login", "", creds)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second login = %d retry=%q", w.Code, w.Header().Get("Retry-After"))
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}
