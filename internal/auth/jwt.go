package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"matchchat/internal/domain"

	"github.com/golang-jwt/jwt/v4"
)

// TokenValidator checks bearer tokens issued by the account service. Issuing
// is only used by tests and chatctl's local setup.
type TokenValidator struct {
	secretKey []byte
	ttl       time.Duration
}

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func NewTokenValidator(secretKey string, ttl time.Duration) *TokenValidator {
	return &TokenValidator{
		secretKey: []byte(secretKey),
		ttl:       ttl,
	}
}

func (v *TokenValidator) GenerateToken(userID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// ValidateToken returns the user id carried by tokenString.
func (v *TokenValidator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secretKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", domain.ErrUnauthorized
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token has no user", domain.ErrUnauthorized)
	}
	if !domain.ValidUserID(userID) {
		return "", fmt.Errorf("%w: malformed user id", domain.ErrUnauthorized)
	}
	return userID, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
