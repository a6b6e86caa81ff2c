package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims are the fields the detection service puts in its session tokens
type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Inspect decodes the claims of a token without verifying its signature.
// The signing secret lives with the service; this is only used to warn early
// about a token the service is going to reject
func Inspect(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExpiresAt returns the token expiry, if the token carries one
func ExpiresAt(tokenString string) (time.Time, bool) {
	claims, err := Inspect(tokenString)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// CheckExpiry returns ErrExpiredToken if the token expired before now and
// ErrInvalidToken if it cannot be decoded. Tokens without an expiry pass
func CheckExpiry(tokenString string, now time.Time) error {
	claims, err := Inspect(tokenString)
	if err != nil {
		return err
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return ErrExpiredToken
	}
	return nil
}
