// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// for the dashboard counters and for conditional responses (ETag generation)
// in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// Counts are the dashboard totals.
type Counts struct {
	Clients        int64 `json:"clients"`
	Waybills       int64 `json:"waybills"`
	Pending        int64 `json:"pending"`
	OnRoad         int64 `json:"on_road"`
	Arrived        int64 `json:"arrived"`
	SmsSent        int64 `json:"sms_sent"`
	SmsFailed      int64 `json:"sms_failed"`
	SmsQueued      int64 `json:"sms_queued"`
	SmsTotal       int64 `json:"sms_total"`
	WaybillsToday  int64 `json:"waybills_today"`
	SmsSentToday   int64 `json:"sms_sent_today"`
	SmsFailedToday int64 `json:"sms_failed_today"`
}

type statusCount struct {
	Status string
	N      int64
}

// LoadCounts computes the dashboard totals. since marks the start of "today"
// in the operator's timezone.
func LoadCounts(ctx context.Context, db *gorm.DB, since time.Time) (Counts, error) {
	var c Counts
	db = db.WithContext(ctx)

	if err := db.Model(&domain.Client{}).Count(&c.Clients).Error; err != nil {
		return c, err
	}

	sc, err := CountWaybillsByStatus(ctx, db)
	if err != nil {
		return c, err
	}
	c.Pending, c.OnRoad, c.Arrived, c.Waybills = sc.Pending, sc.OnRoad, sc.Arrived, sc.Total

	var ss []statusCount
	if err := db.Model(&domain.SmsLog{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&ss).Error; err != nil {
		return c, err
	}
	for _, r := range ss {
		c.SmsTotal += r.N
		switch domain.SmsStatus(r.Status) {
		case domain.SmsSent:
			c.SmsSent = r.N
		case domain.SmsFailed:
			c.SmsFailed = r.N
		case domain.SmsQueued:
			c.SmsQueued = r.N
		}
	}

	if err := db.Model(&domain.Waybill{}).Where("created_at >= ?", since).Count(&c.WaybillsToday).Error; err != nil {
		return c, err
	}
	if err := db.Model(&domain.SmsLog{}).
		Where("created_at >= ? AND status = ?", since, domain.SmsSent).
		Count(&c.SmsSentToday).Error; err != nil {
		return c, err
	}
	if err := db.Model(&domain.SmsLog{}).
		Where("created_at >= ? AND status = ?", since, domain.SmsFailed).
		Count(&c.SmsFailedToday).Error; err != nil {
		return c, err
	}
	return c, nil
}

// StatusCounts is the number of waybills in each lifecycle stage.
type StatusCounts struct {
	Pending int64 `json:"pending"`
	OnRoad  int64 `json:"on_road"`
	Arrived int64 `json:"arrived"`
	Total   int64 `json:"total"`
}

// CountWaybillsByStatus groups waybills by status.
func CountWaybillsByStatus(ctx context.Context, db *gorm.DB) (StatusCounts, error) {
	var sc StatusCounts
	var rows []statusCount
	if err := db.WithContext(ctx).Model(&domain.Waybill{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return sc, err
	}
	for _, r := range rows {
		sc.Total += r.N
		switch domain.WaybillStatus(r.Status) {
		case domain.StatusPending:
			sc.Pending = r.N
		case domain.StatusOnRoad:
			sc.OnRoad = r.N
		case domain.StatusArrived:
			sc.Arrived = r.N
		}
	}
	return sc, nil
}

// WaybillsStats returns the number of waybills matching f and the greatest
// UpdatedAt among them, or nil when there are none.
func WaybillsStats(ctx context.Context, db *gorm.DB, f WaybillFilter) (count int64, maxUpdatedAt *time.Time, err error) {
	return tableStats(waybillQuery(db.WithContext(ctx), f))
}

// ClientsStats returns count and latest UpdatedAt for clients matching search.
func ClientsStats(ctx context.Context, db *gorm.DB, search string) (count int64, maxUpdatedAt *time.Time, err error) {
	return tableStats(clientSearch(db.WithContext(ctx), search))
}

func tableStats(q *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Session(&gorm.Session{}).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
