package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ratelimit_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.RateLimitEvent{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTryConsume_EleventhRejected_ThenAllowedAfterWindow(t *testing.T) {
	db := newTestDB(t)
	clk := &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	l := &Limiter{DB: db, Now: clk.Now}
	ctx := context.Background()
	p := Policy{Action: ActionWaybillReceipt, Limit: 10, Window: time.Hour}

	for i := 0; i < 10; i++ {
		d, err := l.Allow(ctx, p, 7, "10.0.0.1")
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		clk.Advance(time.Minute)
	}

	d, err := l.Allow(ctx, p, 7, "10.0.0.1")
	if err != nil {
		t.Fatalf("11th: %v", err)
	}
	if d.Allowed {
		t.Fatalf("11th call within the hour must be rejected")
	}
	if d.Count != 10 {
		t.Fatalf("count = %d; want 10", d.Count)
	}
	// oldest event at 08:00, now 08:10 -> 50 minutes left
	if d.RetryAfter != 50*time.Minute {
		t.Fatalf("RetryAfter = %v; want 50m", d.RetryAfter)
	}

	// Rejections are not recorded.
	var n int64
	db.Model(&domain.RateLimitEvent{}).Count(&n)
	if n != 10 {
		t.Fatalf("rows = %d; want 10", n)
	}

	// Once the window has slid past all ten, calls pass again.
	clk.Advance(time.Hour)
	d, err = l.Allow(ctx, p, 7, "10.0.0.1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected allowed after window; d=%+v err=%v", d, err)
	}
}

func TestTryConsume_SlidingNotFixedBucket(t *testing.T) {
	db := newTestDB(t)
	clk := &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	l := &Limiter{DB: db, Now: clk.Now}
	ctx := context.Background()

	// two calls at 08:00 and 08:40, limit 2/h
	for _, step := range []time.Duration{0, 40 * time.Minute} {
		clk.Advance(step)
		if d, _ := l.TryConsume(ctx, "a", 1, "", 2, time.Hour); !d.Allowed {
			t.Fatalf("expected allowed")
		}
	}
	// 09:01: the 08:00 call has left the window, the 08:40 one has not.
	clk.Advance(21 * time.Minute)
	if d, _ := l.TryConsume(ctx, "a", 1, "", 2, time.Hour); !d.Allowed {
		t.Fatalf("expected allowed at 09:01")
	}
	// 09:02: 08:40 and 09:01 are both inside.
	clk.Advance(time.Minute)
	if d, _ := l.TryConsume(ctx, "a", 1, "", 2, time.Hour); d.Allowed {
		t.Fatalf("expected rejected at 09:02")
	}
}

func TestTryConsume_KeyedPerActionAndUser(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	if d, _ := l.TryConsume(ctx, "a", 1, "", 1, time.Hour); !d.Allowed {
		t.Fatalf("first call allowed")
	}
	if d, _ := l.TryConsume(ctx, "a", 1, "", 1, time.Hour); d.Allowed {
		t.Fatalf("second call for same key rejected")
	}
	if d, _ := l.TryConsume(ctx, "a", 2, "", 1, time.Hour); !d.Allowed {
		t.Fatalf("other user has its own window")
	}
	if d, _ := l.TryConsume(ctx, "b", 1, "", 1, time.Hour); !d.Allowed {
		t.Fatalf("other action has its own window")
	}
}

func TestTryConsume_DisabledAndInvalid(t *testing.T) {
	db := newTestDB(t)
	l := New(db)
	ctx := context.Background()

	if d, err := l.TryConsume(ctx, "a", 1, "", 0, time.Hour); err != nil || !d.Allowed {
		t.Fatalf("limit 0 disables limiting")
	}
	if _, err := l.TryConsume(ctx, "", 1, "", 1, time.Hour); err == nil {
		t.Fatalf("expected error for empty action")
	}
}

func TestPrune(t *testing.T) {
	db := newTestDB(t)
	clk := &fakeClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	l := &Limiter{DB: db, Now: clk.Now}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.TryConsume(ctx, "a", 1, "", 100, time.Hour); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	clk.Advance(8 * 24 * time.Hour)
	if _, err := l.TryConsume(ctx, "a", 1, "", 100, time.Hour); err != nil {
		t.Fatalf("consume: %v", err)
	}

	n, err := l.Prune(ctx, clk.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Fatalf("pruned %d; want 3", n)
	}
	var left int64
	db.Model(&domain.RateLimitEvent{}).Count(&left)
	if left != 1 {
		t.Fatalf("left %d; want 1", left)
	}
}
