package handlers

import (
	"context"
	"time"

	"github.com/tbourn/go-waybill-backend/internal/auth"
	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/repo"
	"github.com/tbourn/go-waybill-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// ClientService is the client registry consumed by the client endpoints.
type ClientService interface {
	Create(ctx context.Context, in services.ClientInput) (*domain.Client, error)
	Get(ctx context.Context, id uint) (*domain.Client, error)
	Update(ctx context.Context, id uint, in services.ClientInput) (*domain.Client, error)
	// Delete removes the client with its waybills and their SMS logs.
	Delete(ctx context.Context, id uint) error
	ListPage(ctx context.Context, search string, page, pageSize int) ([]domain.Client, int64, error)
}

// WaybillService is the waybill lifecycle engine.
type WaybillService interface {
	Create(ctx context.Context, actor auth.Actor, in services.CreateWaybillInput) (*services.WaybillResult, error)
	SendDeparted(ctx context.Context, actor auth.Actor, id uint) (*services.WaybillResult, error)
	SendOnRoad(ctx context.Context, actor auth.Actor, id uint, region string) (*services.WaybillResult, error)
	SendArrived(ctx context.Context, actor auth.Actor, id uint) (*services.WaybillResult, error)
	Delete(ctx context.Context, actor auth.Actor, id uint) error
	Get(ctx context.Context, id uint) (*domain.Waybill, error)
	ListPage(ctx context.Context, f repo.WaybillFilter, page, pageSize int) ([]domain.Waybill, int64, error)
	Stats(ctx context.Context) (repo.StatusCounts, error)
}

// SmsLogService is the SMS log store.
type SmsLogService interface {
	CheckDeliveryStatus(ctx context.Context, id uint) (*services.DeliveryCheck, error)
	Delete(ctx context.Context, id uint) error
	ListPage(ctx context.Context, f repo.SmsLogFilter, page, pageSize int) ([]domain.SmsLog, int64, error)
}

// UserService manages back-office accounts and logins.
type UserService interface {
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
	Get(ctx context.Context, id uint) (*domain.User, error)
	Create(ctx context.Context, in services.CreateUserInput) (*domain.User, error)
	Update(ctx context.Context, id uint, in services.UpdateUserInput) (*domain.User, error)
	ResetPassword(ctx context.Context, id uint, in services.ResetPasswordInput) error
	Delete(ctx context.Context, actor auth.Actor, id uint) error
	ListPage(ctx context.Context, search string, page, pageSize int) ([]domain.User, int64, error)
}

// StatsService computes dashboard totals.
type StatsService interface {
	Dashboard(ctx context.Context) (repo.Counts, error)
}

// IdempotencyStore remembers which resource a keyed POST produced so that
// retries can be answered without repeating side effects.
type IdempotencyStore interface {
	Remember(ctx context.Context, userID uint, scope, key string, resourceID uint) error
}

// TokenIssuer signs access tokens for authenticated users.
type TokenIssuer interface {
	Issue(u *domain.User) (string, time.Time, error)
}

//
// Handler wiring
//

// Handlers groups the back-office HTTP endpoints. Dependencies are plain
// interfaces so tests can substitute fakes; any of them may be nil when the
// matching routes are not mounted.
type Handlers struct {
	Clients  ClientService
	Waybills WaybillService
	SmsLogs  SmsLogService
	Users    UserService
	Stats    StatsService
	Tokens   TokenIssuer
	Idem     IdempotencyStore
}
