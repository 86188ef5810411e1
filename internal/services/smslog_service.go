// Package services – SmsLogService
//
// SmsLogService exposes the append-only notification history: listing,
// explicit deletion and delivery reconciliation against the SMS provider.
// Rows are written by WaybillService; this service only ever changes the
// status of an existing row, and only from queued or sent.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/sms"
)

// reconcilable lists the statuses a delivery report may still change.
var reconcilable = []domain.SmsStatus{domain.SmsQueued, domain.SmsSent}

// DeliveryCheck is the outcome of a delivery-status poll.
type DeliveryCheck struct {
	Log *domain.SmsLog `json:"log"`
	// Checked is false when the log has no provider message id to poll.
	Checked bool `json:"checked"`
	// RawStatus is the provider's status string, "unknown" when unmapped.
	RawStatus string `json:"raw_status,omitempty"`
	Updated   bool   `json:"updated"`
}

// SweepReport summarizes one SweepPending run.
type SweepReport struct {
	Checked int
	Updated int
	Errors  int
}

// SmsLogService manages SMS log rows.
type SmsLogService struct {
	DB      *gorm.DB
	Gateway sms.Gateway
}

func (s *SmsLogService) tracer() trace.Tracer { return otel.Tracer("services/SmsLogService") }

// CheckDeliveryStatus polls the provider for log id and reconciles the stored
// status. A log without a message id is returned unchanged with Checked=false.
// Provider failures surface as ErrUpstreamUnavailable.
func (s *SmsLogService) CheckDeliveryStatus(ctx context.Context, id uint) (*DeliveryCheck, error) {
	ctx, span := s.tracer().Start(ctx, "CheckDeliveryStatus",
		trace.WithAttributes(attribute.Int64("sms_log.id", int64(id))),
	)
	defer span.End()

	l, err := repo.GetSmsLog(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out, err := s.reconcile(ctx, l)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (s *SmsLogService) reconcile(ctx context.Context, l *domain.SmsLog) (*DeliveryCheck, error) {
	if l.MessageID == nil || *l.MessageID == "" {
		return &DeliveryCheck{Log: l}, nil
	}
	raw, err := s.Gateway.PollStatus(ctx, *l.MessageID)
	if err != nil {
		if !errors.Is(err, ErrUpstreamUnavailable) {
			err = errors.Join(ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	out := &DeliveryCheck{Log: l, Checked: true, RawStatus: raw}
	if raw == "" {
		out.RawStatus = "unknown"
	}

	mapped, ok := sms.MapDeliveryStatus(raw)
	if ok && mapped != l.Status {
		changed, err := repo.UpdateSmsLogStatus(ctx, s.DB, l.ID, mapped, reconcilable)
		if err != nil {
			return nil, err
		}
		if changed {
			l.Status = mapped
			out.Updated = true
		}
	}

	at := s.DB.NowFunc()
	if err := repo.MarkSmsLogChecked(ctx, s.DB, l.ID, at, ok); err != nil {
		return nil, err
	}
	l.DeliveryCheckedAt = &at
	l.DeliveryFinal = ok
	return out, nil
}

// Delete removes a single log row.
func (s *SmsLogService) Delete(ctx context.Context, id uint) error {
	err := repo.DeleteSmsLog(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ListPage returns logs matching f, newest first.
func (s *SmsLogService) ListPage(ctx context.Context, f repo.SmsLogFilter, page, pageSize int) ([]domain.SmsLog, int64, error) {
	if f.Status != "" && f.Status != domain.SmsQueued && f.Status != domain.SmsSent && f.Status != domain.SmsFailed {
		return nil, 0, invalid("status", "must be one of: queued sent failed")
	}
	offset, limit := pageBounds(page, pageSize)
	total, err := repo.CountSmsLogs(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.SmsLog{}, 0, nil
	}
	items, err := repo.ListSmsLogsPage(ctx, s.DB, f, offset, limit)
	return items, total, err
}

// SweepPending reconciles up to limit logs created after since that still
// carry a provider message id and have no final delivery report. A provider error on one
// row is logged and the sweep continues with the next.
func (s *SmsLogService) SweepPending(ctx context.Context, since time.Time, limit int) (SweepReport, error) {
	ctx, span := s.tracer().Start(ctx, "SweepPending")
	defer span.End()

	var rep SweepReport
	rows, err := repo.ListSmsLogsForSweep(ctx, s.DB, since, limit)
	if err != nil {
		return rep, err
	}
	log := zerolog.Ctx(ctx)
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		res, err := s.reconcile(ctx, &rows[i])
		rep.Checked++
		if err != nil {
			rep.Errors++
			log.Warn().Err(err).Uint("sms_log_id", rows[i].ID).Msg("delivery check failed")
			continue
		}
		if res.Updated {
			rep.Updated++
		}
	}
	span.SetAttributes(
		attribute.Int("sweep.checked", rep.Checked),
		attribute.Int("sweep.updated", rep.Updated),
	)
	return rep, nil
}
