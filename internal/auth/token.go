package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/tbourn/go-waybill-backend/internal/domain"
)

// ErrInvalidToken is returned for malformed, expired or tampered tokens.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload.
type Claims struct {
	UserID   uint   `json:"uid"`
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

// Tokens signs and verifies HS256 tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a Tokens using secret for signing and ttl as lifetime.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue creates a signed token for u and returns it with its expiry.
func (t *Tokens) Issue(u *domain.User) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:   u.ID,
		Username: u.Username,
		Role:     string(u.Role),
		StandardClaims: jwt.StandardClaims{
			Subject:   strconv.FormatUint(uint64(u.ID), 10),
			ExpiresAt: exp.Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses raw and returns the actor it identifies.
func (t *Tokens) Verify(raw string) (Actor, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tk.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}
	role := domain.Role(claims.Role)
	if claims.UserID == 0 || !role.Valid() {
		return Actor{}, ErrInvalidToken
	}
	return Actor{UserID: claims.UserID, Username: claims.Username, Role: role}, nil
}
