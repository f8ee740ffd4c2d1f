package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const auditorIssuer = "calibra-auditor"

// Scopes an auditor token may carry. Scopes name entity types, not roles;
// an auditor never holds a role and never reaches a mutating route.
const (
	ScopeEquipment = "equipment"
	ScopeAudit     = "audit"
)

// AuditorClaims is the claim shape of an auditor access token. It is
// deliberately distinct from session Claims: a scope list instead of roles,
// a label for the external auditor instead of an identity reference.
type AuditorClaims struct {
	Auditor string   `json:"auditor"`
	Scopes  []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the grant covers the entity type.
func (c *AuditorClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuditorCodec signs and verifies time-boxed auditor access tokens using a
// secret independent of the session token secret.
type AuditorCodec struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

// AuditorCodecOption configures an AuditorCodec.
type AuditorCodecOption func(*AuditorCodec)

// WithAuditorClock overrides the codec time source.
func WithAuditorClock(fn func() time.Time) AuditorCodecOption {
	return func(c *AuditorCodec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewAuditorCodec constructs the codec with a default grant lifetime.
func NewAuditorCodec(secret string, defaultTTL time.Duration, opts ...AuditorCodecOption) (*AuditorCodec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auditor token secret is required")
	}
	if defaultTTL <= 0 {
		return nil, errors.New("auditor token ttl must be greater than zero")
	}
	c := &AuditorCodec{secret: []byte(secret), defaultTTL: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func validScope(scope string) bool {
	return scope == ScopeEquipment || scope == ScopeAudit
}

// Sign mints a grant for an external auditor. A zero ttl takes the codec
// default; the ttl may be shortened but never extended past the default.
func (c *AuditorCodec) Sign(auditor string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	auditor = strings.TrimSpace(auditor)
	if auditor == "" {
		return "", time.Time{}, validationError("auditor is required")
	}
	cleaned := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !validScope(s) {
			return "", time.Time{}, validationError("unknown scope " + s)
		}
		cleaned = append(cleaned, s)
	}
	if len(cleaned) == 0 {
		return "", time.Time{}, validationError("at least one scope is required")
	}
	if ttl <= 0 || ttl > c.defaultTTL {
		ttl = c.defaultTTL
	}

	now := c.now().UTC()
	expiresAt := now.Add(ttl)
	claims := AuditorClaims{
		Auditor: auditor,
		Scopes:  cleaned,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auditorIssuer,
			Subject:   auditor,
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

// Verify validates an auditor token. A session token presented here fails
// on the issuer check even when both codecs share a secret.
func (c *AuditorCodec) Verify(token string) (*AuditorClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &AuditorClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithIssuer(auditorIssuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*AuditorClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Auditor) == "" || len(claims.Scopes) == 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
