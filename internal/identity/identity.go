package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for tokens that fail validation.
	ErrInvalidToken = errors.New("invalid identity token")
	// ErrInvalidName is returned for display names outside constraints.
	ErrInvalidName = errors.New("invalid display name")
)

// Identity is the coordinator's view of a client: a stable opaque id plus a
// display name. Where it comes from (OAuth exchange, guest tokens) is the
// provider's business.
type Identity struct {
	ClientID    string
	DisplayName string
}

// Provider resolves and issues client identities. The real third-party OAuth
// exchange lives behind this same interface.
type Provider interface {
	// Issue mints a token for a new client with the given display name.
	Issue(displayName string) (token string, id Identity, err error)

	// Verify validates a token and returns the identity it carries.
	Verify(token string) (Identity, error)
}

// Claims are the JWT claims carried by guest identity tokens.
type Claims struct {
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// Config holds token signing configuration.
type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// GuestProvider issues self-contained signed guest identities (HS256). It
// stands in for an external identity provider: the rest of the system only
// ever sees the opaque ClientID.
type GuestProvider struct {
	cfg Config
}

// NewGuestProvider builds a guest identity provider.
func NewGuestProvider(cfg Config) *GuestProvider {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &GuestProvider{cfg: cfg}
}

// Issue mints a token with a fresh client id.
func (p *GuestProvider) Issue(displayName string) (string, Identity, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" || len(displayName) > 32 {
		return "", Identity{}, ErrInvalidName
	}

	id := Identity{
		ClientID:    uuid.NewString(),
		DisplayName: displayName,
	}

	now := time.Now()
	claims := Claims{
		ClientID:    id.ClientID,
		DisplayName: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.Secret)
	if err != nil {
		return "", Identity{}, fmt.Errorf("sign token: %w", err)
	}
	return token, id, nil
}

// Verify parses and validates a guest token.
func (p *GuestProvider) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.cfg.Secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if p.cfg.Issuer != "" && claims.Issuer != p.cfg.Issuer {
		return Identity{}, ErrInvalidToken
	}
	if claims.ClientID == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{ClientID: claims.ClientID, DisplayName: claims.DisplayName}, nil
}
