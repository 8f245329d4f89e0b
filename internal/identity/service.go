package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"grokchat/pkg/domain"
	"grokchat/pkg/store"
)

// Session is the result of resolving a client's identity.
type Session struct {
	Identity  domain.Identity
	Token     string
	ExpiresAt time.Time
	Created   bool
}

// Service performs anonymous sign-in: it reuses a valid token's identity or
// mints a fresh one.
type Service struct {
	store  store.Store
	issuer *Issuer
	now    func() time.Time
}

func NewService(st store.Store, issuer *Issuer) *Service {
	return &Service{store: st, issuer: issuer, now: time.Now}
}

// Authenticate resolves a token to a known identity.
func (s *Service) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	identity, _, err := s.authenticate(ctx, token)
	return identity, err
}

func (s *Service) authenticate(ctx context.Context, token string) (domain.Identity, Claims, error) {
	claims, err := s.issuer.Verify(ctx, token)
	if err != nil {
		return domain.Identity{}, Claims{}, err
	}
	identity, ok, err := s.store.GetIdentity(claims.IdentityID)
	if err != nil {
		return domain.Identity{}, Claims{}, fmt.Errorf("get identity: %w", err)
	}
	if !ok {
		return domain.Identity{}, Claims{}, ErrInvalidToken
	}
	return identity, claims, nil
}

// GetOrCreate returns the identity behind token, or signs in anonymously when
// the token is empty, invalid or revoked.
func (s *Service) GetOrCreate(ctx context.Context, token string) (Session, error) {
	if strings.TrimSpace(token) != "" {
		identity, claims, err := s.authenticate(ctx, token)
		switch {
		case err == nil:
			now := s.now().UTC()
			if err := s.store.TouchIdentity(identity.ID, now); err != nil {
				return Session{}, fmt.Errorf("touch identity: %w", err)
			}
			identity.LastSeenAt = now
			return Session{Identity: identity, Token: token, ExpiresAt: claims.ExpiresAt}, nil
		case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenRevoked):
		default:
			return Session{}, err
		}
	}
	now := s.now().UTC()
	identity := domain.Identity{ID: uuid.NewString(), CreatedAt: now, LastSeenAt: now}
	if err := s.store.CreateIdentity(identity); err != nil {
		return Session{}, fmt.Errorf("create identity: %w", err)
	}
	signed, expires, err := s.issuer.Issue(identity.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{Identity: identity, Token: signed, ExpiresAt: expires, Created: true}, nil
}

// SignOut revokes token.
func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.issuer.Revoke(ctx, token)
}
