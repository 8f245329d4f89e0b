package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "grokchat"
	defaultAudience = "grokchat-api"
	defaultTTL      = 30 * 24 * time.Hour
)

var defaultLeeway = 30 * time.Second

var (
	// ErrInvalidToken covers malformed, expired and wrongly signed tokens.
	ErrInvalidToken = errors.New("invalid identity token")
	// ErrTokenRevoked is returned for tokens revoked before expiry.
	ErrTokenRevoked = errors.New("identity token revoked")
)

// Options configures token issuance and claim validation.
type Options struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

// Issuer signs and verifies HS256 identity tokens.
type Issuer struct {
	secret   []byte
	revoker  TokenRevoker
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time
}

// NewIssuer builds an issuer. revoker may be nil.
func NewIssuer(secret string, revoker TokenRevoker, opts Options) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("identity secret must be at least 16 characters")
	}
	opts = normalizeOptions(opts)
	return &Issuer{
		secret:   []byte(secret),
		revoker:  revoker,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      opts.TTL,
		leeway:   opts.Leeway,
		now:      time.Now,
	}, nil
}

// Issue returns a signed token whose subject is identityID.
func (i *Issuer) Issue(identityID string) (string, time.Time, error) {
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   identityID,
		Issuer:    i.issuer,
		Audience:  jwt.ClaimStrings{i.audience},
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        randomHexID(12),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign identity token: %w", err)
	}
	return signed, expires, nil
}

// Claims is what a verified token asserts.
type Claims struct {
	IdentityID string
	ExpiresAt  time.Time
}

// Verify validates a token and returns its identity ID and expiry.
func (i *Issuer) Verify(ctx context.Context, token string) (Claims, error) {
	claims, err := i.parse(token)
	if err != nil {
		return Claims{}, err
	}
	if i.revoker != nil {
		revoked, err := i.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Claims{}, ErrTokenRevoked
		}
	}
	out := Claims{IdentityID: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return out, nil
}

// Revoke invalidates the token until it would have expired.
// Invalid tokens are ignored.
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	if i.revoker == nil {
		return nil
	}
	claims, err := i.parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return i.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time.Sub(i.now()))
}

func (i *Issuer) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return claims, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return claims, ErrInvalidToken
	}
	return claims, nil
}

func normalizeOptions(opts Options) Options {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultAudience
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	return opts
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}
