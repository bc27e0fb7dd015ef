// Package authn implements the Token Verifier (component 3 / SPEC_FULL
// 4.1): a thin wrapper around an external, already-issued one-time
// handshake token. The core never issues tokens — issuance is an
// external collaborator — it only verifies them.
package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthRequired is returned when the handshake carries no token.
var ErrAuthRequired = errors.New("authn: token required")

// ErrInvalidSession is returned when verification fails (expired,
// malformed, wrong signature, missing subject).
var ErrInvalidSession = errors.New("authn: invalid session")

// Identity is what a successful handshake yields (4.1).
type Identity struct {
	UserID        string
	DisplayName   string
	Email         string
	ActiveOrgID   string
	HasActiveOrg  bool
}

// Claims is the JWT payload shape issued by the external auth system
// and only ever decoded here, never signed, following the
// SessionClaims pattern in the teacher's internal/api/handlers.go.
type Claims struct {
	UserID      string `json:"sub"`
	DisplayName string `json:"name"`
	Email       string `json:"email"`
	ActiveOrgID string `json:"active_org_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier verifies a one-time handshake token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// JWTVerifier verifies HMAC-signed (HS256/HS384/HS512) tokens issued by the external auth
// service against a shared secret. It never writes to the token store;
// single-use enforcement happens upstream of this package.
type JWTVerifier struct {
	secret  []byte
	timeout time.Duration
}

// NewJWTVerifier constructs a verifier bound to secret, with timeout
// applied to any network-backed lookups a future Verifier
// implementation might need (kept for interface symmetry with a
// remote-introspection verifier).
func NewJWTVerifier(secret []byte, timeout time.Duration) *JWTVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &JWTVerifier{secret: secret, timeout: timeout}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrAuthRequired
	}

	_, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authn: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, ErrInvalidSession
	}
	if claims.UserID == "" {
		return Identity{}, ErrInvalidSession
	}

	return Identity{
		UserID:       claims.UserID,
		DisplayName:  claims.DisplayName,
		Email:        claims.Email,
		ActiveOrgID:  claims.ActiveOrgID,
		HasActiveOrg: claims.ActiveOrgID != "",
	}, nil
}
