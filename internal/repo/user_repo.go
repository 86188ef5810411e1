// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for back-office
// User accounts, including the login-attempt bookkeeping used for lockout.
package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// CreateUser inserts u; ErrDuplicate when the username is taken.
func CreateUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetUser fetches a user by id.
func GetUser(ctx context.Context, db *gorm.DB, id uint) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername fetches a user by (case-insensitive) username.
func GetUserByUsername(ctx context.Context, db *gorm.DB, username string) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).
		Where("username = ?", strings.ToLower(strings.TrimSpace(username))).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func userSearch(db *gorm.DB, search string) *gorm.DB {
	q := db.Model(&domain.User{})
	if s := strings.TrimSpace(search); s != "" {
		q = q.Where("username LIKE ? ESCAPE '!' OR full_name LIKE ? ESCAPE '!'", likePattern(s), likePattern(s))
	}
	return q
}

// CountUsers returns the number of accounts matching search (username or
// full name); an empty search counts all.
func CountUsers(ctx context.Context, db *gorm.DB, search string) (int64, error) {
	var n int64
	err := userSearch(db.WithContext(ctx), search).Count(&n).Error
	return n, err
}

// ListUsersPage returns accounts matching search ordered by username.
func ListUsersPage(ctx context.Context, db *gorm.DB, search string, offset, limit int) ([]domain.User, error) {
	var out []domain.User
	err := userSearch(db.WithContext(ctx), search).
		Order("username ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateUserFields applies a partial update. Keys are column names.
func UpdateUserFields(ctx context.Context, db *gorm.DB, id uint, fields map[string]any) error {
	fields["updated_at"] = db.NowFunc()
	res := db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RecordLoginFailure increments the failure counter and, when it reaches
// maxAttempts, locks the account until lockUntil and resets the counter.
func RecordLoginFailure(ctx context.Context, db *gorm.DB, id uint, maxAttempts int, lockUntil time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u domain.User
		if err := tx.Select("id", "failed_attempts").First(&u, id).Error; err != nil {
			return err
		}
		fields := map[string]any{"failed_attempts": u.FailedAttempts + 1}
		if maxAttempts > 0 && u.FailedAttempts+1 >= maxAttempts {
			fields["failed_attempts"] = 0
			fields["locked_until"] = lockUntil
		}
		return tx.Model(&domain.User{}).Where("id = ?", id).Updates(fields).Error
	})
}

// RecordLoginSuccess clears the failure state and stamps last_login_at.
func RecordLoginSuccess(ctx context.Context, db *gorm.DB, id uint, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"failed_attempts": 0,
			"locked_until":    nil,
			"last_login_at":   at,
		}).Error
}

// DeleteUser removes an account; ErrNotFound when absent.
func DeleteUser(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Delete(&domain.User{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
