package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/repo"
)

// StatsService builds the dashboard summary.
type StatsService struct {
	DB *gorm.DB
	// Location decides where "today" starts.
	Location *time.Location
	Now      func() time.Time
}

// Dashboard returns registry, lifecycle and SMS totals plus today's activity.
func (s *StatsService) Dashboard(ctx context.Context) (repo.Counts, error) {
	ctx, span := otel.Tracer("services/StatsService").Start(ctx, "Dashboard")
	defer span.End()

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return repo.LoadCounts(ctx, s.DB, startOfDay(now, loc))
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
}
