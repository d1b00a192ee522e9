// Package auth issues and validates the signed session tokens that carry a
// caller's email.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"

	"ssreditor/api/internal/util"
)

type Claims struct {
	Email string `json:"email"`
	gojwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrRevokedToken = errors.New("revoked token")
)

// DefaultTTL is how long a login stays valid.
const DefaultTTL = time.Hour

func IssueToken(secret []byte, email string, ttl time.Duration, now time.Time) (string, Claims, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	claims := Claims{
		Email: email,
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        util.NewID("tok"),
			Subject:   email,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(*gojwt.Token) (any, error) {
		return secret, nil
	})
	if errors.Is(err, gojwt.ErrTokenExpired) {
		return Claims{}, ErrExpiredToken
	}
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Email) == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// RevocationChecker reports tokens that were logged out before they expired.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type Validator struct {
	secret  []byte
	revoked RevocationChecker
}

func NewValidator(secret []byte, revoked RevocationChecker) *Validator {
	return &Validator{secret: secret, revoked: revoked}
}

// Claims parses token and rejects it when it has been revoked.
func (v *Validator) Claims(ctx context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	claims, err := ParseToken(v.secret, token)
	if err != nil {
		return Claims{}, err
	}
	if v.revoked != nil {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Claims{}, ErrRevokedToken
		}
	}
	return claims, nil
}

// Validate is true only for a well-signed, unexpired, unrevoked token.
func (v *Validator) Validate(ctx context.Context, token string) bool {
	_, err := v.Claims(ctx, token)
	if err != nil && !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrExpiredToken) && !errors.Is(err, ErrRevokedToken) {
		glog.Warningf("auth: validate: %v", err)
	}
	return err == nil
}
