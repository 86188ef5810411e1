// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the SmsLog
// model.
package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// SmsLogFilter narrows SMS log listings. Zero values mean "no filter".
type SmsLogFilter struct {
	Status    domain.SmsStatus
	WaybillID uint
	ClientID  uint
	// Phone matches the canonical recipient number exactly.
	Phone  string
	Search string
}

const smsLogColumns = "sms_logs.*, waybills.waybill_number AS waybill_number"

func smsLogQuery(db *gorm.DB, f SmsLogFilter) *gorm.DB {
	q := db.Model(&domain.SmsLog{}).
		Joins("LEFT JOIN waybills ON waybills.id = sms_logs.waybill_id")
	if f.Status != "" {
		q = q.Where("sms_logs.status = ?", f.Status)
	}
	if f.WaybillID != 0 {
		q = q.Where("sms_logs.waybill_id = ?", f.WaybillID)
	}
	if f.ClientID != 0 {
		q = q.Where("waybills.client_id = ?", f.ClientID)
	}
	if f.Phone != "" {
		q = q.Where("sms_logs.phone = ?", f.Phone)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		q = q.Where(
			"sms_logs.phone LIKE ? ESCAPE '!' OR sms_logs.message_text LIKE ? ESCAPE '!' OR waybills.waybill_number LIKE ? ESCAPE '!'",
			likePattern(digitsOf(s, s)), likePattern(s), likePattern(s),
		)
	}
	return q
}

// CreateSmsLog inserts a notification attempt.
func CreateSmsLog(ctx context.Context, db *gorm.DB, l *domain.SmsLog) error {
	if l.Status == "" {
		l.Status = domain.SmsQueued
	}
	return db.WithContext(ctx).Create(l).Error
}

// GetSmsLog fetches a log by id together with its waybill number.
func GetSmsLog(ctx context.Context, db *gorm.DB, id uint) (*domain.SmsLog, error) {
	var l domain.SmsLog
	err := smsLogQuery(db.WithContext(ctx), SmsLogFilter{}).
		Select(smsLogColumns).
		Where("sms_logs.id = ?", id).
		Take(&l).Error
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// UpdateSmsLogStatus moves a log to `to` only while its status is one of
// `from`, reporting whether a row changed.
func UpdateSmsLogStatus(ctx context.Context, db *gorm.DB, id uint, to domain.SmsStatus, from []domain.SmsStatus) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.SmsLog{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": db.NowFunc()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteSmsLog removes a single log row; ErrNotFound when absent.
func DeleteSmsLog(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Delete(&domain.SmsLog{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountSmsLogs returns the number of logs matching f.
func CountSmsLogs(ctx context.Context, db *gorm.DB, f SmsLogFilter) (int64, error) {
	var n int64
	err := smsLogQuery(db.WithContext(ctx), f).Count(&n).Error
	return n, err
}

// ListSmsLogsPage returns logs matching f, newest first, each carrying the
// waybill number it belongs to.
func ListSmsLogsPage(ctx context.Context, db *gorm.DB, f SmsLogFilter, offset, limit int) ([]domain.SmsLog, error) {
	var out []domain.SmsLog
	err := smsLogQuery(db.WithContext(ctx), f).
		Select(smsLogColumns).
		Order("sms_logs.created_at DESC, sms_logs.id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkSmsLogChecked stamps a delivery poll on log id. A final mark removes the
// row from later sweeps.
func MarkSmsLogChecked(ctx context.Context, db *gorm.DB, id uint, at time.Time, final bool) error {
	return db.WithContext(ctx).
		Model(&domain.SmsLog{}).
		Where("id = ?", id).
		Updates(map[string]any{"delivery_checked_at": at.UTC(), "delivery_final": final}).Error
}

// ListSmsLogsForSweep returns logs created after since that were accepted by
// the provider (message id present), may still flip to failed and have not
// yet received a final delivery report. Never-polled rows come first, newest
// first, then the rows polled longest ago, so successive batches rotate.
func ListSmsLogsForSweep(ctx context.Context, db *gorm.DB, since time.Time, limit int) ([]domain.SmsLog, error) {
	var out []domain.SmsLog
	err := db.WithContext(ctx).
		Where("status IN ? AND message_id IS NOT NULL AND message_id <> '' AND created_at >= ? AND delivery_final = ?",
			[]domain.SmsStatus{domain.SmsQueued, domain.SmsSent}, since.UTC(), false).
		Order("CASE WHEN delivery_checked_at IS NULL THEN 0 ELSE 1 END, delivery_checked_at ASC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
