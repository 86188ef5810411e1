package services

import (
	"context"
	"testing"
	"time"
)

func TestStatsService_Dashboard(t *testing.T) {
	f := newFixture(t, newTestDB(t))
	ctx := context.Background()

	res, err := f.waybills.Create(ctx, clerk, waybillInput("Amina", "0712345678"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.waybills.SendDeparted(ctx, clerk, res.Waybill.ID); err != nil {
		t.Fatal(err)
	}
	f.gw.reject = "down"
	if _, err := f.waybills.Create(ctx, clerk, waybillInput("Juma", "0754000111")); err != nil {
		t.Fatal(err)
	}

	s := &StatsService{DB: f.db, Location: time.UTC}
	c, err := s.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Clients != 2 || c.Waybills != 2 || c.Pending != 1 || c.OnRoad != 1 {
		t.Fatalf("counts = %+v", c)
	}
	if c.SmsSent != 2 || c.SmsFailed != 1 || c.SmsTotal != 3 {
		t.Fatalf("sms counts = %+v", c)
	}
	if c.WaybillsToday != 2 || c.SmsSentToday != 2 || c.SmsFailedToday != 1 {
		t.Fatalf("today counts = %+v", c)
	}

	// From tomorrow's point of view nothing happened "today".
	s.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	c, err = s.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.WaybillsToday != 0 || c.Waybills != 2 {
		t.Fatalf("shifted counts = %+v", c)
	}
}

func TestStartOfDay(t *testing.T) {
	eat := time.FixedZone("EAT", 3*3600)
	got := startOfDay(time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC), eat)
	want := time.Date(2024, 5, 1, 21, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("startOfDay = %s, want %s", got, want)
	}
}
