package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller.
type Principal struct {
	ActorID  string   `json:"actor_id"`
	DeviceID string   `json:"device_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Claims is the JWT body. The subject is the actor id.
type Claims struct {
	DeviceID string   `json:"device_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokens returns a token codec. The secret must not be empty.
func NewTokens(secret, issuer string) (*Tokens, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for p valid for ttl.
func (t *Tokens) Issue(p Principal, ttl time.Duration) (string, error) {
	if p.ActorID == "" {
		return "", errors.New("actor id is required")
	}
	now := t.now()
	claims := Claims{
		DeviceID: p.DeviceID,
		Roles:    p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ActorID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and returns its principal.
func (t *Tokens) Parse(raw string) (Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, DeviceID: claims.DeviceID, Roles: claims.Roles}, nil
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
