package service

import (
	"errors"
	"fmt"
	"time"

	"bloodbank-api/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the default access token lifetime.
const TokenTTL = 1 * time.Hour

var (
	// ErrTokenInvalid is returned for malformed, unsigned or expired tokens.
	ErrTokenInvalid = errors.New("invalid or expired token")

	// ErrTokensDisabled is returned when no signing secret is configured.
	ErrTokensDisabled = errors.New("token signing is not configured")
)

// Claims is the access token payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 access tokens.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a new token service. An empty secret disables it.
func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = TokenTTL
	}
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Enabled reports whether tokens can be issued and verified.
func (s *TokenService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Issue signs a token for actor. It returns the token and its expiry.
func (s *TokenService) Issue(actor *model.Actor) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrTokensDisabled
	}
	if actor == nil || actor.ID == "" {
		return "", time.Time{}, &model.ValidationError{Field: "subject", Message: "is required"}
	}

	now := s.now()
	expires := now.Add(s.ttl)
	claims := &Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expires, nil
}

// Parse verifies a token and returns the actor it was issued for.
func (s *TokenService) Parse(token string) (*model.Actor, error) {
	if !s.Enabled() {
		return nil, ErrTokensDisabled
	}
	if token == "" {
		return nil, ErrTokenInvalid
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	return &model.Actor{ID: claims.Subject, Role: claims.Role}, nil
}
