package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer    = "gatekeeper"
	defaultAccessTTL = 15 * time.Minute
	minSecretLength  = 32
	issuedAtSkew     = 5 * time.Second
)

// Claims is the JWT payload carried by session tokens.
type Claims struct {
	Email        string   `json:"email"`
	Name         string   `json:"name,omitempty"`
	Role         string   `json:"role"`
	AccountLevel string   `json:"account_level"`
	Status       string   `json:"status"`
	Permissions  []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens with a shared secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithIssuer overrides the iss claim.
func WithIssuer(iss string) IssuerOption {
	return func(t *TokenIssuer) {
		if iss = strings.TrimSpace(iss); iss != "" {
			t.issuer = iss
		}
	}
}

// WithAccessTTL sets the token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(t *TokenIssuer) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) IssuerOption {
	return func(t *TokenIssuer) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokenIssuer builds an issuer. The secret must be at least 32 bytes.
func NewTokenIssuer(secret string, opts ...IssuerOption) (*TokenIssuer, error) {
	if len(strings.TrimSpace(secret)) < minSecretLength {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", ErrInvalidInput, minSecretLength)
	}
	t := &TokenIssuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultAccessTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue signs a token describing u.
func (t *TokenIssuer) Issue(u User) (string, time.Time, error) {
	if strings.TrimSpace(u.ID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := t.now().UTC()
	exp := now.Add(t.ttl)
	claims := Claims{
		Email:        u.Email,
		Name:         u.Name,
		Role:         string(u.Role),
		AccountLevel: string(u.AccountLevel),
		Status:       string(u.Status),
		Permissions:  dedupe(u.Permissions),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// InvalidReason says why a credential failed verification. It is for
// server-side logs only and never reaches the client.
type InvalidReason string

const (
	InvalidNone        InvalidReason = ""
	InvalidAbsent      InvalidReason = "absent"
	InvalidMalformed   InvalidReason = "malformed"
	InvalidSignature   InvalidReason = "bad_signature"
	InvalidExpired     InvalidReason = "expired"
	InvalidNotYetValid InvalidReason = "not_yet_valid"
	InvalidIssuer      InvalidReason = "wrong_issuer"
	InvalidClaims      InvalidReason = "missing_claims"
	InvalidSubject     InvalidReason = "subject_unavailable"
	InvalidInternal    InvalidReason = "internal_error"
)

// verification is either verified claims or the reason verification failed.
type verification struct {
	claims  *Claims
	invalid InvalidReason
}

func invalid(r InvalidReason) verification { return verification{invalid: r} }

func (t *TokenIssuer) verify(token string) verification {
	token = strings.TrimSpace(token)
	if token == "" {
		return invalid(InvalidAbsent)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return invalid(classifyJWTError(err))
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return invalid(InvalidMalformed)
	}
	if r := t.checkClaims(claims); r != InvalidNone {
		return invalid(r)
	}
	return verification{claims: claims}
}

func (t *TokenIssuer) checkClaims(c *Claims) InvalidReason {
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.Role) == "" {
		return InvalidClaims
	}
	if _, ok := ParseStatus(c.Status); !ok {
		return InvalidClaims
	}
	if c.IssuedAt == nil {
		return InvalidClaims
	}
	now := t.now().UTC()
	if c.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return InvalidNotYetValid
	}
	if c.ExpiresAt.Time.Before(c.IssuedAt.Time) {
		return InvalidClaims
	}
	return InvalidNone
}

func classifyJWTError(err error) InvalidReason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return InvalidExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return InvalidNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return InvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return InvalidIssuer
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return InvalidClaims
	default:
		return InvalidMalformed
	}
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
