package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func newMigratedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := newTestDB(t)
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func mustClient(t *testing.T, db *gorm.DB, name, phone string) *domain.Client {
	t.Helper()
	c, err := CreateClient(context.Background(), db, name, phone)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return c
}

func mustWaybill(t *testing.T, db *gorm.DB, c *domain.Client, number string) *domain.Waybill {
	t.Helper()
	w := &domain.Waybill{
		WaybillNumber:    number,
		ClientID:         &c.ID,
		ClientName:       c.FullName,
		ClientPhone:      c.Phone,
		SenderName:       "Baraka Mushi",
		SenderPhone:      "255754000111",
		Origin:           "Dar es Salaam",
		Destination:      "Mwanza",
		CargoDescription: "Electronics",
	}
	if err := CreateWaybill(context.Background(), db, w); err != nil {
		t.Fatalf("CreateWaybill: %v", err)
	}
	return w
}

func mustLog(t *testing.T, db *gorm.DB, w *domain.Waybill, status domain.SmsStatus, msgID string) *domain.SmsLog {
	t.Helper()
	l := &domain.SmsLog{
		WaybillID:   &w.ID,
		Phone:       w.ClientPhone,
		TemplateKey: domain.TemplateReceipt,
		MessageText: "Habari " + w.ClientName,
		Status:      status,
	}
	if msgID != "" {
		l.MessageID = &msgID
	}
	if err := CreateSmsLog(context.Background(), db, l); err != nil {
		t.Fatalf("CreateSmsLog: %v", err)
	}
	return l
}
