// Package services – UserService
//
// UserService manages back-office accounts and password authentication.
// Passwords are stored as bcrypt hashes. After MaxAttempts consecutive
// failures an account is locked for Lockout; a successful login or an admin
// password reset clears the counter.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/auth"
	"github.com/tbourn/go-waybill-backend/internal/domain"
	"github.com/tbourn/go-waybill-backend/internal/phone"
	"github.com/tbourn/go-waybill-backend/internal/repo"
)

// CreateUserInput is the body accepted when an admin creates an account.
type CreateUserInput struct {
	Username string      `json:"username"  validate:"required,notblank,min=3,max=64"`
	FullName string      `json:"full_name" validate:"required,notblank,max=255"`
	Phone    string      `json:"phone"     validate:"max=32"`
	Password string      `json:"password"  validate:"required,min=8,max=72"`
	Role     domain.Role `json:"role"      validate:"required,oneof=admin clerk"`
	Active   *bool       `json:"active,omitempty"`
}

// UpdateUserInput is a partial update; nil fields are left unchanged.
type UpdateUserInput struct {
	FullName *string      `json:"full_name,omitempty" validate:"omitempty,notblank,max=255"`
	Phone    *string      `json:"phone,omitempty"     validate:"omitempty,max=32"`
	Role     *domain.Role `json:"role,omitempty"      validate:"omitempty,oneof=admin clerk"`
	Active   *bool        `json:"active,omitempty"`
}

// ResetPasswordInput carries a new password.
type ResetPasswordInput struct {
	Password string `json:"new_password" validate:"required,min=8,max=72"`
}

// UserService manages accounts.
type UserService struct {
	DB     *gorm.DB
	Phones phone.Normalizer

	BcryptCost  int
	MaxAttempts int
	Lockout     time.Duration
	Now         func() time.Time
}

// NewUserService returns a UserService with the default lockout policy
// (5 failures, 10 minutes).
func NewUserService(db *gorm.DB) *UserService {
	return &UserService{
		DB:          db,
		Phones:      phone.Default,
		BcryptCost:  bcrypt.DefaultCost,
		MaxAttempts: 5,
		Lockout:     10 * time.Minute,
	}
}

func (s *UserService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *UserService) hash(pw string) (string, error) {
	cost := s.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	return string(b), err
}

// optionalPhone normalizes a non-empty phone; empty stays empty.
func (s *UserService) optionalPhone(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	p, err := s.Phones.Normalize(raw)
	if err != nil {
		return "", invalid("phone", "invalid phone format")
	}
	return p, nil
}

// Authenticate verifies username and password. Unknown users, inactive
// accounts and wrong passwords all yield ErrInvalidCredentials; a locked
// account yields ErrAccountLocked without checking the password.
func (s *UserService) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	ctx, span := otel.Tracer("services/UserService").Start(ctx, "Authenticate")
	defer span.End()

	u, err := repo.GetUserByUsername(ctx, s.DB, username)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("user.id", int64(u.ID)))

	now := s.now()
	if u.LockedUntil != nil && u.LockedUntil.After(now) {
		return nil, ErrAccountLocked
	}
	if !u.Active {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		if err := repo.RecordLoginFailure(ctx, s.DB, u.ID, s.MaxAttempts, now.Add(s.Lockout)); err != nil {
			return nil, err
		}
		zerolog.Ctx(ctx).Warn().Uint("user_id", u.ID).Msg("login failed")
		return nil, ErrInvalidCredentials
	}
	if err := repo.RecordLoginSuccess(ctx, s.DB, u.ID, now); err != nil {
		return nil, err
	}
	u.FailedAttempts, u.LockedUntil, u.LastLoginAt = 0, nil, &now
	return u, nil
}

// Get returns an account by id.
func (s *UserService) Get(ctx context.Context, id uint) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return u, err
}

// Create adds an account. A taken username yields ErrConflict.
func (s *UserService) Create(ctx context.Context, in CreateUserInput) (*domain.User, error) {
	ctx, span := otel.Tracer("services/UserService").Start(ctx, "Create")
	defer span.End()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	p, err := s.optionalPhone(in.Phone)
	if err != nil {
		return nil, err
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}
	u := &domain.User{
		Username:     strings.ToLower(strings.TrimSpace(in.Username)),
		FullName:     strings.TrimSpace(in.FullName),
		Phone:        p,
		PasswordHash: hash,
		Role:         in.Role,
		Active:       in.Active == nil || *in.Active,
	}
	if err := repo.CreateUser(ctx, s.DB, u); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return u, nil
}

// Update applies the non-nil fields of in.
func (s *UserService) Update(ctx context.Context, id uint, in UpdateUserInput) (*domain.User, error) {
	ctx, span := otel.Tracer("services/UserService").Start(ctx, "Update",
		trace.WithAttributes(attribute.Int64("user.id", int64(id))),
	)
	defer span.End()

	if err := validateInput(in); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if in.FullName != nil {
		fields["full_name"] = strings.TrimSpace(*in.FullName)
	}
	if in.Phone != nil {
		p, err := s.optionalPhone(*in.Phone)
		if err != nil {
			return nil, err
		}
		fields["phone"] = p
	}
	if in.Role != nil {
		fields["role"] = *in.Role
	}
	if in.Active != nil {
		fields["active"] = *in.Active
	}
	if len(fields) == 0 {
		return nil, invalid("_", "no fields to update")
	}
	if err := repo.UpdateUserFields(ctx, s.DB, id, fields); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.Get(ctx, id)
}

// ResetPassword sets a new password and lifts any lockout.
func (s *UserService) ResetPassword(ctx context.Context, id uint, in ResetPasswordInput) error {
	if err := validateInput(in); err != nil {
		return err
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return err
	}
	err = repo.UpdateUserFields(ctx, s.DB, id, map[string]any{
		"password_hash":   hash,
		"failed_attempts": 0,
		"locked_until":    nil,
	})
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Delete removes an account other than the actor's own.
func (s *UserService) Delete(ctx context.Context, actor auth.Actor, id uint) error {
	if id == actor.UserID {
		return ErrSelfDelete
	}
	err := repo.DeleteUser(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ListPage returns accounts matching search (username or full name).
func (s *UserService) ListPage(ctx context.Context, search string, page, pageSize int) ([]domain.User, int64, error) {
	offset, limit := pageBounds(page, pageSize)
	total, err := repo.CountUsers(ctx, s.DB, search)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.User{}, 0, nil
	}
	items, err := repo.ListUsersPage(ctx, s.DB, search, offset, limit)
	return items, total, err
}

// EnsureBootstrapAdmin creates an active admin when the users table is empty
// and a password is configured. It reports whether an account was created.
func (s *UserService) EnsureBootstrapAdmin(ctx context.Context, username, password string) (bool, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return false, nil
	}
	n, err := repo.CountUsers(ctx, s.DB, "")
	if err != nil || n > 0 {
		return false, err
	}
	_, err = s.Create(ctx, CreateUserInput{
		Username: username,
		FullName: "Administrator",
		Password: password,
		Role:     domain.RoleAdmin,
	})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

// Lookup adapts Get to auth.UserLookup.
func (s *UserService) Lookup(ctx context.Context, id uint) (*domain.User, error) {
	return s.Get(ctx, id)
}
