package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "calibra"

// Claims carries the identity and role set embedded in a session token.
// Validity is purely cryptographic and time based; nothing is persisted
// server side, so a token stays usable until expiry even after logout.
type Claims struct {
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	RoleNames []string `json:"roles"`
	RoleIDs   []string `json:"role_ids"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies session tokens with HS256. The secret and
// TTL are injected at construction rather than read from process globals.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// TokenCodecOption configures a TokenCodec.
type TokenCodecOption func(*TokenCodec)

// WithTokenClock overrides the codec time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenCodecOption {
	return func(c *TokenCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewTokenCodec constructs a codec for the given secret and token lifetime.
func NewTokenCodec(secret string, ttl time.Duration, opts ...TokenCodecOption) (*TokenCodec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be greater than zero")
	}
	c := &TokenCodec{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign mints a token for the identity carrying its current role set.
func (c *TokenCodec) Sign(identity *Identity, roles []Role) (string, time.Time, error) {
	if identity == nil || strings.TrimSpace(identity.ID) == "" {
		return "", time.Time{}, errors.New("identity is required")
	}
	names := make([]string, 0, len(roles))
	rids := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
		rids = append(rids, r.ID)
	}

	now := c.now().UTC()
	expiresAt := now.Add(c.ttl)
	claims := Claims{
		Email:     identity.Email,
		FirstName: identity.FirstName,
		LastName:  identity.LastName,
		RoleNames: names,
		RoleIDs:   rids,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks the signature and required claims. Every failure mode maps
// to ErrInvalidToken; callers cannot distinguish expiry from tampering.
func (c *TokenCodec) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
