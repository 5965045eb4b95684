// Package auth provides bearer-token authentication for the subscriber
// boundary. Presage does not manage users: tokens are HS256 JWTs signed
// with a shared secret, issued either by the external dashboard or by the
// "presaged token" subcommand.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT payload for subscriber tokens.
type Claims struct {
	jwt.RegisteredClaims
	Subscriber string `json:"sub_name"`
}

// TokenService signs and validates subscriber tokens.
type TokenService struct {
	secret   []byte
	tokenTTL time.Duration
}

// NewTokenService creates a TokenService with the given signing secret and TTL.
func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	return &TokenService{
		secret:   secret,
		tokenTTL: ttl,
	}
}

// Issue generates a signed JWT for the named subscriber.
func (s *TokenService) Issue(subscriber string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subscriber,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			Issuer:    "presage",
		},
		Subscriber: subscriber,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses and validates a JWT, returning the claims.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TokenTTL returns the configured token lifetime.
func (s *TokenService) TokenTTL() time.Duration {
	return s.tokenTTL
}
