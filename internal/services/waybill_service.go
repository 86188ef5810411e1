// Package services – WaybillService
//
// WaybillService drives the shipment lifecycle pending -> on_road -> arrived.
// Creating a waybill resolves (or registers) the client, stamps a snapshot of
// the client's name and phone onto the waybill, allocates a unique
// WB<YYYYMMDD><NNNN> number and sends the receipt SMS. The departed, on-road
// and arrived operations send their notification and then move the status
// forward; a status never moves backwards.
//
// Every send attempt is written to sms_logs whatever the provider said. A
// provider failure degrades to a "failed" log row and never fails the
// lifecycle operation itself. Per-user quotas are checked before anything is
// written.
//
// Observability: public methods are OpenTelemetry-instrumented; failed
// notifications are logged at warn through the request-scoped zerolog logger.
package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/auth"
	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/notify"
	"github.com/tbourn/go-waybill-backend/internal/ratelimit"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/sms"
	"github.com/tbourn/go-waybill-backend/internal/sysutil"
)

// DefaultNumberAttempts bounds the waybill-number collision retries.
const DefaultNumberAttempts = 20

var suffixDigits = []byte("0123456789")

// RateLimiter is the quota check used before any mutation.
type RateLimiter interface {
	Allow(ctx context.Context, p ratelimit.Policy, userID uint, ip string) (ratelimit.Decision, error)
}

// CreateWaybillInput is the body accepted by Create. When ClientID names an
// existing client, ClientName/ClientPhone are ignored for the snapshot.
type CreateWaybillInput struct {
	ClientID         *uint            `json:"client_id,omitempty"`
	ClientName       string           `json:"client_name"       validate:"required,notblank,max=255"`
	ClientPhone      string           `json:"client_phone"      validate:"required,notblank,max=32"`
	SenderName       string           `json:"sender_name"       validate:"max=255"`
	SenderPhone      string           `json:"sender_phone"      validate:"max=32"`
	Origin           string           `json:"origin"            validate:"required,notblank,max=255"`
	Destination      string           `json:"destination"       validate:"required,notblank,max=255"`
	CargoDescription string           `json:"cargo_description" validate:"max=2000"`
	Weight           *decimal.Decimal `json:"weight,omitempty"  swaggertype:"number"`
}

// WaybillResult is returned by lifecycle operations: the waybill as it is
// after the operation and the SMS log row written for it.
type WaybillResult struct {
	Waybill       *domain.Waybill `json:"waybill"`
	Notification  *domain.SmsLog  `json:"notification"`
	ClientCreated bool            `json:"client_created,omitempty"`
	// StatusChanged is false when the waybill was already at or past the
	// target stage, or for on-road pings.
	StatusChanged bool `json:"status_changed"`
}

// WaybillService implements the waybill lifecycle.
type WaybillService struct {
	DB       *gorm.DB
	Clients  *ClientService
	Gateway  sms.Gateway
	Renderer *notify.Renderer

	// Limiter may be nil to disable per-user quotas.
	Limiter      RateLimiter
	CreatePolicy ratelimit.Policy
	StatusPolicy ratelimit.Policy

	// Location decides the calendar date embedded in waybill numbers.
	Location *time.Location
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
	// MaxNumberAttempts caps number generation; defaults to DefaultNumberAttempts.
	MaxNumberAttempts int
	// Suffix returns the random part of a waybill number; defaults to four
	// random digits.
	Suffix func() string
}

// NewWaybillService wires a WaybillService with the default quotas
// (10 receipts and 20 status notifications per user per hour).
func NewWaybillService(db *gorm.DB, clients *ClientService, gw sms.Gateway, r *notify.Renderer, lim RateLimiter) *WaybillService {
	return &WaybillService{
		DB:           db,
		Clients:      clients,
		Gateway:      gw,
		Renderer:     r,
		Limiter:      lim,
		CreatePolicy: ratelimit.Policy{Action: ratelimit.ActionWaybillReceipt, Limit: 10, Window: time.Hour},
		StatusPolicy: ratelimit.Policy{Action: ratelimit.ActionSmsStatusUpdate, Limit: 20, Window: time.Hour},
		Location:     time.UTC,
	}
}

func (s *WaybillService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *WaybillService) tracer() trace.Tracer { return otel.Tracer("services/WaybillService") }

// NextNumber returns a candidate waybill number for the current date.
func (s *WaybillService) NextNumber() string {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	suffix := uniuri.NewLenChars(4, suffixDigits)
	if s.Suffix != nil {
		suffix = s.Suffix()
	}
	return "WB" + s.now().In(loc).Format("20060102") + suffix
}

// consume applies p for the actor and converts a denial into *RateLimitError.
func (s *WaybillService) consume(ctx context.Context, actor auth.Actor, p ratelimit.Policy) error {
	if s.Limiter == nil {
		return nil
	}
	d, err := s.Limiter.Allow(ctx, p, actor.UserID, actor.IP)
	if err != nil {
		return err
	}
	if !d.Allowed {
		quotaRejections.WithLabelValues(p.Action).Inc()
		return &RateLimitError{Action: p.Action, Limit: p.Limit, Window: p.Window, RetryAfter: d.RetryAfter}
	}
	return nil
}

// Create validates in, enforces the receipt quota, resolves the client,
// persists a pending waybill under a fresh number and sends the receipt SMS.
func (s *WaybillService) Create(ctx context.Context, actor auth.Actor, in CreateWaybillInput) (*WaybillResult, error) {
	ctx, span := s.tracer().Start(ctx, "Create",
		trace.WithAttributes(attribute.Int64("user.id", int64(actor.UserID))),
	)
	defer span.End()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.Weight != nil && in.Weight.IsNegative() {
		return nil, invalid("weight", "must be >= 0")
	}

	// Reads only until the quota is consumed.
	var client *domain.Client
	if in.ClientID != nil && *in.ClientID != 0 {
		c, err := repo.GetClient(ctx, s.DB, *in.ClientID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		client = c
	}
	var canonical string
	if client == nil {
		p, err := s.Clients.normalize("client_phone", in.ClientPhone)
		if err != nil {
			return nil, err
		}
		canonical = p
	}
	var senderPhone string
	if strings.TrimSpace(in.SenderPhone) != "" {
		p, err := s.Clients.normalize("sender_phone", in.SenderPhone)
		if err != nil {
			return nil, err
		}
		senderPhone = p
	}

	if err := s.consume(ctx, actor, s.CreatePolicy); err != nil {
		return nil, err
	}

	created := false
	if client == nil {
		c, isNew, err := s.Clients.FindOrCreateByPhone(ctx, in.ClientName, canonical)
		if err != nil {
			return nil, err
		}
		client, created = c, isNew
	}

	clientID := client.ID
	w := &domain.Waybill{
		ClientID:         &clientID,
		ClientName:       client.FullName,
		ClientPhone:      client.Phone,
		SenderName:       sysutil.FirstNonEmpty(in.SenderName, client.FullName),
		SenderPhone:      sysutil.FirstNonEmpty(senderPhone, client.Phone),
		Origin:           strings.TrimSpace(in.Origin),
		Destination:      strings.TrimSpace(in.Destination),
		CargoDescription: strings.TrimSpace(in.CargoDescription),
		Status:           domain.StatusPending,
		CreatedBy:        actor.UserID,
	}
	if in.Weight != nil {
		w.Weight = decimal.NewNullDecimal(in.Weight.Round(2))
	}

	if err := s.insertWithNumber(ctx, w); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	waybillsCreated.WithLabelValues(strconv.FormatBool(created)).Inc()
	span.SetAttributes(
		attribute.Int64("waybill.id", int64(w.ID)),
		attribute.String("waybill.number", w.WaybillNumber),
	)

	logRow := s.notify(ctx, w, domain.TemplateReceipt, "")
	return &WaybillResult{Waybill: w, Notification: logRow, ClientCreated: created, StatusChanged: true}, nil
}

// insertWithNumber assigns candidate numbers until the insert succeeds or
// the attempt budget runs out.
func (s *WaybillService) insertWithNumber(ctx context.Context, w *domain.Waybill) error {
	attempts := s.MaxNumberAttempts
	if attempts <= 0 {
		attempts = DefaultNumberAttempts
	}
	for i := 0; i < attempts; i++ {
		w.ID = 0
		w.WaybillNumber = s.NextNumber()
		err := repo.CreateWaybill(ctx, s.DB, w)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return err
		}
		numberCollisions.Inc()
	}
	return ErrNumberGenerationExhausted
}

// SendDeparted notifies the client that the cargo left the origin and moves
// a pending waybill to on_road.
func (s *WaybillService) SendDeparted(ctx context.Context, actor auth.Actor, id uint) (*WaybillResult, error) {
	return s.transition(ctx, actor, id, "SendDeparted", domain.TemplateDeparted, "", domain.StatusOnRoad)
}

// SendOnRoad sends an in-transit location update naming region. The waybill
// status is not changed, so it may be called any number of times.
func (s *WaybillService) SendOnRoad(ctx context.Context, actor auth.Actor, id uint, region string) (*WaybillResult, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return nil, invalid("region", "is required")
	}
	if len(region) > 255 {
		return nil, invalid("region", "must be at most 255 characters")
	}
	return s.transition(ctx, actor, id, "SendOnRoad", domain.TemplateOnTransit, region, "")
}

// SendArrived notifies the client that the cargo reached the destination and
// moves the waybill to arrived.
func (s *WaybillService) SendArrived(ctx context.Context, actor auth.Actor, id uint) (*WaybillResult, error) {
	return s.transition(ctx, actor, id, "SendArrived", domain.TemplateArrived, "", domain.StatusArrived)
}

// transition loads the waybill, enforces the status quota, sends and logs the
// notification and then, when target is set, advances the status if it is
// still behind target. The status update does not depend on the SMS outcome.
func (s *WaybillService) transition(ctx context.Context, actor auth.Actor, id uint, op string, key domain.TemplateKey, region string, target domain.WaybillStatus) (*WaybillResult, error) {
	ctx, span := s.tracer().Start(ctx, op,
		trace.WithAttributes(
			attribute.Int64("waybill.id", int64(id)),
			attribute.Int64("user.id", int64(actor.UserID)),
		),
	)
	defer span.End()

	w, err := repo.GetWaybill(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := s.consume(ctx, actor, s.StatusPolicy); err != nil {
		return nil, err
	}

	logRow := s.notify(ctx, w, key, region)

	changed := false
	if target != "" {
		changed, err = repo.AdvanceWaybillStatus(ctx, s.DB, w.ID, target, target.Before())
		if errors.Is(err, repo.ErrNotFound) {
			// Deleted between load and update.
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if fresh, gerr := repo.GetWaybill(ctx, s.DB, w.ID); gerr == nil {
			w = fresh
		}
	}
	span.SetAttributes(attribute.String("waybill.status", string(w.Status)), attribute.Bool("status.changed", changed))
	return &WaybillResult{Waybill: w, Notification: logRow, StatusChanged: changed}, nil
}

// notify renders key for w, sends it and appends the outcome to sms_logs.
// Sending and logging are detached from request cancellation so an attempt
// that reached the provider is always recorded. A failed log insert is
// reported but does not fail the caller: the waybill and the message are
// already out, and the returned row then has a zero ID.
func (s *WaybillService) notify(ctx context.Context, w *domain.Waybill, key domain.TemplateKey, region string) *domain.SmsLog {
	ctx = context.WithoutCancel(ctx)
	text := s.Renderer.Render(key, notify.Vars{
		Name:          w.ClientName,
		WaybillNumber: w.WaybillNumber,
		Origin:        w.Origin,
		Destination:   w.Destination,
		Region:        region,
	})

	res := s.Gateway.Send(ctx, w.ClientPhone, text)

	wid := w.ID
	row := &domain.SmsLog{
		WaybillID:   &wid,
		Phone:       w.ClientPhone,
		TemplateKey: key,
		MessageText: text,
		Status:      domain.SmsFailed,
	}
	if res.Accepted {
		row.Status = domain.SmsSent
		if res.MessageID != "" {
			mid := res.MessageID
			row.MessageID = &mid
		}
	} else {
		row.Detail = sysutil.Truncate(res.Reason, 255)
		zerolog.Ctx(ctx).Warn().
			Uint("waybill_id", w.ID).
			Str("template", string(key)).
			Str("phone", sysutil.MaskPhone(w.ClientPhone)).
			Str("reason", res.Reason).
			Msg("sms notification failed")
	}

	if err := repo.CreateSmsLog(ctx, s.DB, row); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Uint("waybill_id", w.ID).
			Str("template", string(key)).
			Str("sms_status", string(row.Status)).
			Msg("failed to record sms attempt")
		row.ID = 0
		notificationLogFailures.WithLabelValues(string(key)).Inc()
	}
	row.WaybillNumber = w.WaybillNumber
	notifications.WithLabelValues(string(key), string(row.Status)).Inc()
	return row
}

// Delete removes a waybill and its SMS logs. Deleting a missing waybill is a
// successful no-op.
func (s *WaybillService) Delete(ctx context.Context, actor auth.Actor, id uint) error {
	ctx, span := s.tracer().Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.Int64("waybill.id", int64(id)),
			attribute.Int64("user.id", int64(actor.UserID)),
		),
	)
	defer span.End()

	removed, err := repo.DeleteWaybillCascade(ctx, s.DB, id)
	if err != nil {
		return err
	}
	if removed {
		zerolog.Ctx(ctx).Info().Uint("waybill_id", id).Uint("by_user", actor.UserID).Msg("waybill deleted")
	}
	return nil
}

// Get returns a waybill by id.
func (s *WaybillService) Get(ctx context.Context, id uint) (*domain.Waybill, error) {
	w, err := repo.GetWaybill(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return w, err
}

// ListPage returns waybills matching f, newest first. An unknown status in
// the filter is a validation error.
func (s *WaybillService) ListPage(ctx context.Context, f repo.WaybillFilter, page, pageSize int) ([]domain.Waybill, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalid("status", "must be one of: pending on_road arrived")
	}
	offset, limit := pageBounds(page, pageSize)
	total, err := repo.CountWaybills(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Waybill{}, 0, nil
	}
	items, err := repo.ListWaybillsPage(ctx, s.DB, f, offset, limit)
	return items, total, err
}

// Stats returns waybill counts per lifecycle status.
func (s *WaybillService) Stats(ctx context.Context) (repo.StatusCounts, error) {
	return repo.CountWaybillsByStatus(ctx, s.DB)
}
