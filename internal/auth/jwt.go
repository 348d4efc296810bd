// Package auth turns a bearer credential presented at handshake into a
// verified identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailure wraps every credential rejection.
var ErrAuthFailure = errors.New("authentication failed")

// Identity is the verified principal behind a connection.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Verifier checks a credential.
type Verifier interface {
	VerifyCredential(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// JWTVerifier validates HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier for secret. A nil now uses time.Now.
func NewJWTVerifier(secret string, now func() time.Time) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &JWTVerifier{secret: []byte(secret), now: now}, nil
}

// VerifyCredential parses and validates token.
func (v *JWTVerifier) VerifyCredential(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrAuthFailure)
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	if parsed.UserID == "" {
		return Identity{}, fmt.Errorf("%w: token has no userId", ErrAuthFailure)
	}
	return Identity{UserID: parsed.UserID, Email: parsed.Email, Role: parsed.Role}, nil
}

// Issue signs a token for id valid for ttl. The server never issues tokens
// itself; this exists for the dev client and tests.
func (v *JWTVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: id.UserID,
		Email:  id.Email,
		Role:   id.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
