// Package ratelimit implements a persistent sliding-window counter keyed by
// (action, user). Every accepted call is stored as one row in rate_limits;
// a call is rejected when the rows inside the trailing window already reach
// the limit. Rejected calls are not recorded.
//
// Old rows are removed by Prune, which is meant to run from a scheduled
// maintenance job rather than from request handling.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// Action names used by the back-office.
const (
	ActionWaybillReceipt  = "waybill_receipt"
	ActionSmsStatusUpdate = "sms_status_update"
)

// Policy is a named quota: at most Limit accepted calls per Window.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of TryConsume.
type Decision struct {
	Allowed bool
	// Count is the number of accepted calls in the window before this one.
	Count int64
	// RetryAfter is how long until the oldest counted call leaves the window.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter evaluates policies against the rate_limits table.
type Limiter struct {
	DB *gorm.DB
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// New returns a Limiter backed by db.
func New(db *gorm.DB) *Limiter { return &Limiter{DB: db, Now: time.Now} }

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Allow applies p for userID. See TryConsume.
func (l *Limiter) Allow(ctx context.Context, p Policy, userID uint, ip string) (Decision, error) {
	return l.TryConsume(ctx, p.Action, userID, ip, p.Limit, p.Window)
}

// TryConsume counts the calls recorded for (action, userID) in the window
// (now-window, now]. When that count has reached limit the call is rejected
// and nothing is written; otherwise one event is recorded and the call is
// accepted. A non-positive limit disables limiting.
func (l *Limiter) TryConsume(ctx context.Context, action string, userID uint, ip string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}
	if action == "" {
		return Decision{}, errors.New("ratelimit: empty action")
	}

	now := l.now()
	since := now.Add(-window)

	q := l.DB.WithContext(ctx).Model(&domain.RateLimitEvent{}).
		Where("action = ? AND user_id = ? AND created_at > ?", action, userID, since)

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return Decision{}, err
	}

	if count >= int64(limit) {
		var oldest domain.RateLimitEvent
		retry := window
		if err := l.DB.WithContext(ctx).
			Where("action = ? AND user_id = ? AND created_at > ?", action, userID, since).
			Order("created_at ASC").
			First(&oldest).Error; err == nil {
			retry = oldest.CreatedAt.Add(window).Sub(now)
			if retry < time.Second {
				retry = time.Second
			}
		}
		return Decision{Allowed: false, Count: count, RetryAfter: retry}, nil
	}

	ev := &domain.RateLimitEvent{Action: action, UserID: userID, IPAddress: ip, CreatedAt: now}
	if err := l.DB.WithContext(ctx).Create(ev).Error; err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Count: count}, nil
}

// Prune deletes events created before cutoff and returns how many were removed.
func (l *Limiter) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.DB.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&domain.RateLimitEvent{})
	return res.RowsAffected, res.Error
}
