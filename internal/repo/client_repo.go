// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Client
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only persistence
// and query composition.
//
// Error semantics:
//   - When a client is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound).
//   - Unique violations on phone are returned as ErrDuplicate.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique-constraint violation.
var ErrDuplicate = errors.New("duplicate")

// CreateClient inserts a client with an already-canonical phone.
func CreateClient(ctx context.Context, db *gorm.DB, fullName, phone string) (*domain.Client, error) {
	c := &domain.Client{FullName: fullName, Phone: phone}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return c, nil
}

// GetClient fetches a client by id.
func GetClient(ctx context.Context, db *gorm.DB, id uint) (*domain.Client, error) {
	var c domain.Client
	if err := db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetClientByPhone fetches a client by canonical phone.
func GetClientByPhone(ctx context.Context, db *gorm.DB, phone string) (*domain.Client, error) {
	var c domain.Client
	if err := db.WithContext(ctx).Where("phone = ?", phone).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateClient overwrites name and phone. It returns ErrNotFound when no row
// matches and ErrDuplicate when phone belongs to another client.
func UpdateClient(ctx context.Context, db *gorm.DB, id uint, fullName, phone string) error {
	res := db.WithContext(ctx).
		Model(&domain.Client{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"full_name":  fullName,
			"phone":      phone,
			"updated_at": db.NowFunc(),
		})
	if res.Error != nil {
		if IsUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteClientCascade removes a client, its waybills and their SMS logs in
// one transaction. Explicit deletes keep the cascade independent of whether
// the driver enforces foreign keys.
func DeleteClientCascade(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := tx.Model(&domain.Waybill{}).Select("id").Where("client_id = ?", id)
		if err := tx.Where("waybill_id IN (?)", sub).Delete(&domain.SmsLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("client_id = ?", id).Delete(&domain.Waybill{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.Client{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func clientSearch(db *gorm.DB, search string) *gorm.DB {
	q := db.Model(&domain.Client{})
	if s := strings.TrimSpace(search); s != "" {
		q = q.Where("full_name LIKE ? ESCAPE '!' OR phone LIKE ? ESCAPE '!'", likePattern(s), likePattern(digitsOf(s, s)))
	}
	return q
}

// CountClients returns how many clients match search (name or phone).
func CountClients(ctx context.Context, db *gorm.DB, search string) (int64, error) {
	var n int64
	err := clientSearch(db.WithContext(ctx), search).Count(&n).Error
	return n, err
}

// ListClientsPage returns clients matching search, newest first.
func ListClientsPage(ctx context.Context, db *gorm.DB, search string, offset, limit int) ([]domain.Client, error) {
	var out []domain.Client
	err := clientSearch(db.WithContext(ctx), search).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountClientsByPhone counts rows holding phone; used by tests and audits of
// the uniqueness invariant.
func CountClientsByPhone(ctx context.Context, db *gorm.DB, phone string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Client{}).Where("phone = ?", phone).Count(&n).Error
	return n, err
}

// digitsOf returns the digits of s, or fallback when s has none.
func digitsOf(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}
