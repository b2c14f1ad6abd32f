// Package auth validates bearer tokens for the HTTP and push transports.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Validator checks HS256 tokens whose subject is the account id.
type Validator struct {
	secret []byte
	now    func() time.Time
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret), now: time.Now}
}

// WithClock replaces the time source; tests use it.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

func (v *Validator) Validate(token string) (models.Actor, error) {
	if token == "" {
		return models.Actor{}, fmt.Errorf("missing token: %w", apperr.ErrUnauthorized)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Actor{}, fmt.Errorf("token expired: %w", apperr.ErrUnauthorized)
		}
		return models.Actor{}, fmt.Errorf("invalid token: %w", apperr.ErrUnauthorized)
	}
	actor := models.Actor{ID: claims.Subject, Role: models.Role(claims.Role)}
	if actor.ID == "" || !actor.Role.Valid() {
		return models.Actor{}, fmt.Errorf("token without subject or role: %w", apperr.ErrUnauthorized)
	}
	return actor, nil
}

// Issue signs a token for actor. Tests and local tooling use it; production
// tokens come from the account service.
func (v *Validator) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := v.now()
	claims := &Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type ctxKey struct{}

func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(models.Actor)
	return a, ok
}
