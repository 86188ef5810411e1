// Package services – ClientService
//
// ClientService is the client registry: CRUD over customers keyed by their
// canonical phone number. Every phone passes through the phone normalizer
// before it is compared or stored, and the unique index on clients.phone is
// the final arbiter when two requests race to register the same number.
//
// Editing a client never rewrites waybills created earlier; those keep the
// name and phone captured at shipment time.
package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/phone"
	"github.com/tbourn/go-waybill-backend/internal/repo"
)

// ClientInput is the body accepted by create and update.
type ClientInput struct {
	FullName string `json:"full_name" validate:"required,notblank,max=255"`
	Phone    string `json:"phone"     validate:"required,notblank,max=32"`
}

// ClientService manages the client registry.
type ClientService struct {
	DB     *gorm.DB
	Phones phone.Normalizer
}

// NewClientService returns a ClientService using the default numbering plan.
func NewClientService(db *gorm.DB) *ClientService {
	return &ClientService{DB: db, Phones: phone.Default}
}

func (s *ClientService) normalize(field, raw string) (string, error) {
	p, err := s.Phones.Normalize(raw)
	if err != nil {
		return "", invalid(field, "invalid phone format")
	}
	return p, nil
}

// Create registers a client. A phone already on file yields ErrConflict.
func (s *ClientService) Create(ctx context.Context, in ClientInput) (*domain.Client, error) {
	ctx, span := otel.Tracer("services/ClientService").Start(ctx, "Create")
	defer span.End()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	p, err := s.normalize("phone", in.Phone)
	if err != nil {
		return nil, err
	}
	c, err := repo.CreateClient(ctx, s.DB, strings.TrimSpace(in.FullName), p)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, ErrConflict
	}
	return c, err
}

// Get returns a client by id.
func (s *ClientService) Get(ctx context.Context, id uint) (*domain.Client, error) {
	c, err := repo.GetClient(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

// Update replaces name and phone. Moving to a phone held by another client
// yields ErrConflict. Existing waybill snapshots are left as they are.
func (s *ClientService) Update(ctx context.Context, id uint, in ClientInput) (*domain.Client, error) {
	ctx, span := otel.Tracer("services/ClientService").Start(ctx, "Update",
		trace.WithAttributes(attribute.Int64("client.id", int64(id))),
	)
	defer span.End()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	p, err := s.normalize("phone", in.Phone)
	if err != nil {
		return nil, err
	}
	switch err := repo.UpdateClient(ctx, s.DB, id, strings.TrimSpace(in.FullName), p); {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, repo.ErrDuplicate):
		return nil, ErrConflict
	case err != nil:
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes a client together with its waybills and their SMS logs.
func (s *ClientService) Delete(ctx context.Context, id uint) error {
	ctx, span := otel.Tracer("services/ClientService").Start(ctx, "Delete",
		trace.WithAttributes(attribute.Int64("client.id", int64(id))),
	)
	defer span.End()

	err := repo.DeleteClientCascade(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ListPage returns a page of clients matching search (name or phone digits).
func (s *ClientService) ListPage(ctx context.Context, search string, page, pageSize int) ([]domain.Client, int64, error) {
	offset, limit := pageBounds(page, pageSize)
	total, err := repo.CountClients(ctx, s.DB, search)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Client{}, 0, nil
	}
	items, err := repo.ListClientsPage(ctx, s.DB, search, offset, limit)
	return items, total, err
}

// FindOrCreateByPhone returns the client holding canonical phone, registering
// one named fullName when none exists. When a concurrent request inserts the
// same phone first, the unique violation is absorbed and the winner returned,
// so callers never observe a duplicate.
func (s *ClientService) FindOrCreateByPhone(ctx context.Context, fullName, canonical string) (*domain.Client, bool, error) {
	if c, err := repo.GetClientByPhone(ctx, s.DB, canonical); err == nil {
		return c, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	c, err := repo.CreateClient(ctx, s.DB, strings.TrimSpace(fullName), canonical)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, repo.ErrDuplicate) {
		return nil, false, err
	}
	c, err = repo.GetClientByPhone(ctx, s.DB, canonical)
	if err != nil {
		return nil, false, err
	}
	return c, false, nil
}

// pageBounds applies the default page size and converts to offset/limit.
func pageBounds(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return (page - 1) * pageSize, pageSize
}
