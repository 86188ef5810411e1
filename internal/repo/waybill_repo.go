// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Waybill
// model: inserts, lookups, filtered pagination, forward-only status updates
// and cascading deletes.
package repo

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// WaybillFilter narrows waybill listings. Zero values mean "no filter".
type WaybillFilter struct {
	Status   domain.WaybillStatus
	Search   string
	ClientID uint
}

func waybillQuery(db *gorm.DB, f WaybillFilter) *gorm.DB {
	q := db.Model(&domain.Waybill{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.ClientID != 0 {
		q = q.Where("client_id = ?", f.ClientID)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		p := likePattern(s)
		q = q.Where(
			"waybill_number LIKE ? ESCAPE '!' OR client_name LIKE ? ESCAPE '!' OR client_phone LIKE ? ESCAPE '!' OR origin LIKE ? ESCAPE '!' OR destination LIKE ? ESCAPE '!'",
			p, p, likePattern(digitsOf(s, s)), p, p,
		)
	}
	return q
}

// CreateWaybill inserts w. A collision on waybill_number is reported as
// ErrDuplicate so callers can retry with a fresh number.
func CreateWaybill(ctx context.Context, db *gorm.DB, w *domain.Waybill) error {
	if w.Status == "" {
		w.Status = domain.StatusPending
	}
	if err := db.WithContext(ctx).Create(w).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetWaybill fetches a waybill by id.
func GetWaybill(ctx context.Context, db *gorm.DB, id uint) (*domain.Waybill, error) {
	var w domain.Waybill
	if err := db.WithContext(ctx).First(&w, id).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWaybillByNumber fetches a waybill by its public number.
func GetWaybillByNumber(ctx context.Context, db *gorm.DB, number string) (*domain.Waybill, error) {
	var w domain.Waybill
	if err := db.WithContext(ctx).Where("waybill_number = ?", number).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// WaybillNumberExists reports whether number is already taken.
func WaybillNumberExists(ctx context.Context, db *gorm.DB, number string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Waybill{}).Where("waybill_number = ?", number).Count(&n).Error
	return n > 0, err
}

// CountWaybills returns the number of waybills matching f.
func CountWaybills(ctx context.Context, db *gorm.DB, f WaybillFilter) (int64, error) {
	var n int64
	err := waybillQuery(db.WithContext(ctx), f).Count(&n).Error
	return n, err
}

// ListWaybillsPage returns waybills matching f, newest first.
func ListWaybillsPage(ctx context.Context, db *gorm.DB, f WaybillFilter, offset, limit int) ([]domain.Waybill, error) {
	var out []domain.Waybill
	err := waybillQuery(db.WithContext(ctx), f).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// AdvanceWaybillStatus sets the status to `to` only while the current status
// is one of `from`. It reports whether a row changed. A missing waybill
// yields ErrNotFound.
func AdvanceWaybillStatus(ctx context.Context, db *gorm.DB, id uint, to domain.WaybillStatus, from []domain.WaybillStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Waybill{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": db.NowFunc()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var n int64
	if err := db.WithContext(ctx).Model(&domain.Waybill{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, gorm.ErrRecordNotFound
	}
	return false, nil
}

// DeleteWaybillCascade removes a waybill and its SMS logs. It reports whether
// a waybill row was removed; deleting a missing id is not an error.
func DeleteWaybillCascade(ctx context.Context, db *gorm.DB, id uint) (bool, error) {
	var removed bool
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("waybill_id = ?", id).Delete(&domain.SmsLog{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&domain.Waybill{}, id)
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected > 0
		return nil
	})
	return removed, err
}
