package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-waybill-backend/internal/auth"
	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/http/middleware"
	"github.com/tbourn/go-waybill-backend/internal/notify"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/services"
	"github.com/tbourn/go-waybill-backend/internal/sms"
)

// ---------- test DB ----------

func newHandlersDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// ---------- fakes ----------

type stubGateway struct {
	mu      sync.Mutex
	sent    int
	reject  string
	status  map[string]string
	pollErr error
}

func (g *stubGateway) Send(context.Context, string, string) sms.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent++
	if g.reject != "" {
		return sms.Result{Reason: g.reject}
	}
	return sms.Result{Accepted: true, MessageID: "m-" + strconv.Itoa(g.sent)}
}

func (g *stubGateway) PollStatus(_ context.Context, id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pollErr != nil {
		return "", g.pollErr
	}
	return g.status[id], nil
}

func (g *stubGateway) Sent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent
}

// memIdem is an in-memory IdempotencyStore plus matching lookup.
type memIdem struct {
	mu   sync.Mutex
	keys map[string]uint
}

func idemKey(uid uint, scope, key string) string { return fmt.Sprintf("%d|%s|%s", uid, scope, key) }

func (m *memIdem) Remember(_ context.Context, uid uint, scope, key string, rid uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[idemKey(uid, scope, key)] = rid
	return nil
}

func (m *memIdem) lookup(_ context.Context, uid uint, scope, key string, _ time.Time) (uint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rid, found := m.keys[idemKey(uid, scope, key)]
	return rid, found, nil
}

// ---------- environment ----------

type testEnv struct {
	db       *gorm.DB
	gw       *stubGateway
	tokens   *auth.Tokens
	users    *services.UserService
	waybills *services.WaybillService
	r        *gin.Engine
}

// newEnv wires real services over a private database and mounts the
// handlers the way the router does, minus edge middleware.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newHandlersDB(t)
	gw := &stubGateway{status: map[string]string{}}
	clients := services.NewClientService(db)
	waybills := services.NewWaybillService(db, clients, gw, notify.NewRenderer("en"), nil)
	users := services.NewUserService(db)
	users.BcryptCost = bcrypt.MinCost
	tokens := auth.NewTokens("test-secret-0123456789", time.Hour)
	idem := &memIdem{keys: map[string]uint{}}

	h := &Handlers{
		Clients:  clients,
		Waybills: waybills,
		SmsLogs:  &services.SmsLogService{DB: db, Gateway: gw},
		Users:    users,
		Stats:    &services.StatsService{DB: db, Location: time.UTC},
		Tokens:   tokens,
		Idem:     idem,
	}

	r := gin.New()
	r.POST("/auth/login", h.Login)
	api := r.Group("", auth.Middleware(tokens, users.Lookup))
	api.GET("/auth/me", h.Me)
	api.GET("/stats", h.Dashboard)
	api.GET("/stats/waybills", h.WaybillStats)
	api.GET("/clients", h.ListClients)
	api.POST("/clients", h.CreateClient)
	api.GET("/clients/:id", h.GetClient)
	api.PUT("/clients/:id", h.UpdateClient)
	api.GET("/clients/:id/waybills", h.ListClientWaybills)
	api.GET("/clients/:id/sms-logs", h.ListClientSmsLogs)
	api.GET("/waybills", h.ListWaybills)
	api.POST("/waybills",
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{Scope: IdempotencyScopeWaybills}, idem.lookup),
		h.CreateWaybill)
	api.GET("/waybills/:id", h.GetWaybill)
	api.DELETE("/waybills/:id", h.DeleteWaybill)
	api.POST("/waybills/:id/departed", h.SendDeparted)
	api.POST("/waybills/:id/on-road", h.SendOnRoad)
	api.POST("/waybills/:id/arrived", h.SendArrived)
	api.GET("/sms-logs", h.ListSmsLogs)
	api.POST("/sms-logs/:id/check", h.CheckSmsLog)

	admin := api.Group("", auth.RequireRole(domain.RoleAdmin))
	admin.DELETE("/clients/:id", h.DeleteClient)
	admin.DELETE("/sms-logs/:id", h.DeleteSmsLog)
	admin.GET("/users", h.ListUsers)
	admin.POST("/users", h.CreateUser)
	admin.PUT("/users/:id", h.UpdateUser)
	admin.POST("/users/:id/reset-password", h.ResetPassword)
	admin.DELETE("/users/:id", h.DeleteUser)

	return &testEnv{db: db, gw: gw, tokens: tokens, users: users, waybills: waybills, r: r}
}

// login creates an active account with role and returns a bearer token.
func (e *testEnv) login(t *testing.T, username string, role domain.Role) (string, *domain.User) {
	t.Helper()
	u, err := e.users.Create(context.Background(), services.CreateUserInput{
		Username: username,
		FullName: username + " user",
		Password: "password-123",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	tok, _, err := e.tokens.Issue(u)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok, u
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
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
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (body=%s)", v, err, w.Body.String())
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body=%s)", w.Code, want, w.Body.String())
	}
}

func waybillBody(name, phone string) map[string]any {
	return map[string]any{
		"client_name":  name,
		"client_phone": phone,
		"origin":       "Dar es Salaam",
		"destination":  "Arusha",
	}
}

// createWaybill posts a waybill and returns the decoded result.
func (e *testEnv) createWaybill(t *testing.T, tok, name, phone string) services.WaybillResult {
	t.Helper()
	w := e.do(t, http.MethodPost, "/waybills", tok, waybillBody(name, phone))
	expectStatus(t, w, http.StatusCreated)
	return decode[services.WaybillResult](t, w)
}
