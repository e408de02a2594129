// Package auth verifies the bearer tokens operators present to the API.
//
// Tokens are EdDSA (Ed25519) JWTs minted by the regulator's identity
// service. kujo only holds the public key. When no key is configured an
// ephemeral pair is generated so development tokens can be minted locally.
package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
)

// Issuer and audience expected on every token.
const (
	Issuer   = "kujo"
	Audience = "kujo"
)

// ErrSigningUnavailable is returned by IssueToken when only a public key
// is loaded.
var ErrSigningUnavailable = errors.New("auth: no signing key")

// Claims extends jwt.RegisteredClaims with the tenant and role the
// operator acts under. Subject is the operator's user ID.
type Claims struct {
	jwt.RegisteredClaims
	TenantID uuid.UUID  `json:"tenant_id"`
	Role     model.Role `json:"role"`
}

// UserID returns the subject as the operator identifier recorded on
// overrides and acknowledgements.
func (c *Claims) UserID() string {
	return c.Subject
}

// JWTManager validates tokens and, in development, issues them.
type JWTManager struct {
	privateKey ed25519.PrivateKey // nil in production
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager loads the Ed25519 public key at publicKeyPath. If the path
// is empty it generates an ephemeral key pair (for development).
func NewJWTManager(publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if publicKeyPath == "" {
		slog.Warn("auth: no JWT public key configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return &JWTManager{publicKey: edPub, expiration: expiration}, nil
}

// CanIssue reports whether the manager holds a signing key.
func (m *JWTManager) CanIssue() bool {
	return m.privateKey != nil
}

// IssueToken signs a development token for userID acting in tenantID.
func (m *JWTManager) IssueToken(userID string, tenantID uuid.UUID, role model.Role) (string, time.Time, error) {
	if m.privateKey == nil {
		return "", time.Time{}, ErrSigningUnavailable
	}
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		TenantID: tenantID,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(Audience),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: missing subject")
	}
	if claims.TenantID == uuid.Nil {
		return nil, fmt.Errorf("auth: missing tenant")
	}
	if model.RoleRank(claims.Role) == 0 {
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	return claims, nil
}
