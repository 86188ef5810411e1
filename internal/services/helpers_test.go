package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-waybill-backend/internal/auth"
	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/notify"
	"github.com/tbourn/go-waybill-backend/internal/ratelimit"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/sms"
)

// newTestDB returns a migrated in-memory database private to the test.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:services_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

// newFileDB returns a migrated WAL-mode database file for tests with
// concurrent writers; shared-cache memory databases fail those with
// SQLITE_LOCKED instead of waiting.
func newFileDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "waybill.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

type sentMessage struct {
	Phone string
	Text  string
}

// fakeGateway records sends and answers polls from a table.
type fakeGateway struct {
	mu      sync.Mutex
	sent    []sentMessage
	reject  string // non-empty rejects every send with this reason
	status  map[string]string
	pollErr error
	seq     atomic.Int64
}

func (g *fakeGateway) Send(_ context.Context, phone, text string) sms.Result {
	g.mu.Lock()
	g.sent = append(g.sent, sentMessage{Phone: phone, Text: text})
	reject := g.reject
	g.mu.Unlock()
	if reject != "" {
		return sms.Result{Reason: reject}
	}
	return sms.Result{Accepted: true, MessageID: "msg-" + strconv.FormatInt(g.seq.Add(1), 10)}
}

func (g *fakeGateway) PollStatus(_ context.Context, id string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pollErr != nil {
		return "", g.pollErr
	}
	return g.status[id], nil
}

func (g *fakeGateway) Sent() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

type fixture struct {
	db       *gorm.DB
	gw       *fakeGateway
	clients  *ClientService
	waybills *WaybillService
	logs     *SmsLogService
}

// newFixture wires the services over db with quotas disabled.
func newFixture(t *testing.T, db *gorm.DB) *fixture {
	t.Helper()
	gw := &fakeGateway{status: map[string]string{}}
	clients := NewClientService(db)
	w := NewWaybillService(db, clients, gw, notify.NewRenderer("sw"), nil)
	return &fixture{
		db:       db,
		gw:       gw,
		clients:  clients,
		waybills: w,
		logs:     &SmsLogService{DB: db, Gateway: gw},
	}
}

// withLimiter enables the persistent limiter on the fixture's clock.
func (f *fixture) withLimiter(now func() time.Time) {
	l := ratelimit.New(f.db)
	l.Now = now
	f.waybills.Limiter = l
}

var clerk = auth.Actor{UserID: 1, Username: "clerk", Role: domain.RoleClerk, IP: "10.0.0.5"}

func waybillInput(name, phone string) CreateWaybillInput {
	return CreateWaybillInput{
		ClientName:  name,
		ClientPhone: phone,
		Origin:      "Dar es Salaam",
		Destination: "Mwanza",
	}
}

func countLogs(t *testing.T, db *gorm.DB, waybillID uint) int64 {
	t.Helper()
	n, err := repo.CountSmsLogs(context.Background(), db, repo.SmsLogFilter{WaybillID: waybillID})
	if err != nil {
		t.Fatalf("CountSmsLogs: %v", err)
	}
	return n
}
