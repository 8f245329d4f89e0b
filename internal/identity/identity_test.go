package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"grokchat/pkg/store"
)

const testSecret = "0123456789abcdef-test"

func TestIssuerRoundTrip(t *testing.T) {
	issuer, err := NewIssuer(testSecret, nil, Options{})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	token, expires, err := issuer.Issue("id-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Fatalf("expected future expiry, got %v", expires)
	}
	got, err := issuer.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.IdentityID != "id-1" {
		t.Fatalf("subject = %q, want id-1", got.IdentityID)
	}
	if got.ExpiresAt.Unix() != expires.Unix() {
		t.Fatalf("expiry = %v, want %v", got.ExpiresAt, expires)
	}
}

func TestIssuerRejectsForeignAudience(t *testing.T) {
	a, _ := NewIssuer(testSecret, nil, Options{Audience: "a"})
	b, _ := NewIssuer(testSecret, nil, Options{Audience: "b"})
	token, _, err := a.Issue("id-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssuerRejectsExpiredToken(t *testing.T) {
	issuer, _ := NewIssuer(testSecret, nil, Options{TTL: time.Minute, Leeway: time.Second})
	base := time.Now()
	issuer.now = func() time.Time { return base }
	token, _, err := issuer.Issue("id-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	issuer.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := issuer.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestNewIssuerRequiresLongSecret(t *testing.T) {
	if _, err := NewIssuer("short", nil, Options{}); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestIssuerRevokeWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	issuer, _ := NewIssuer(testSecret, NewRedisTokenRevoker(client, ""), Options{})
	token, _, err := issuer.Issue("id-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := issuer.Revoke(context.Background(), token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := issuer.Verify(context.Background(), token); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if len(mr.Keys()) != 1 {
		t.Fatalf("expected one revocation key, got %v", mr.Keys())
	}
}

func TestMemoryTokenRevokerExpires(t *testing.T) {
	r := NewMemoryTokenRevoker()
	base := time.Now()
	r.now = func() time.Time { return base }
	ctx := context.Background()
	if err := r.Revoke(ctx, "jti", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked(ctx, "jti"); !revoked {
		t.Fatalf("expected token revoked")
	}
	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	if revoked, _ := r.IsRevoked(ctx, "jti"); revoked {
		t.Fatalf("expected revocation to lapse")
	}
}

func TestServiceGetOrCreate(t *testing.T) {
	st := store.NewMemoryStore()
	issuer, _ := NewIssuer(testSecret, NewMemoryTokenRevoker(), Options{})
	svc := NewService(st, issuer)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("anonymous sign-in: %v", err)
	}
	if !first.Created || first.Token == "" {
		t.Fatalf("expected new identity with token, got %+v", first)
	}

	again, err := svc.GetOrCreate(ctx, first.Token)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if again.Created || again.Identity.ID != first.Identity.ID {
		t.Fatalf("expected same identity, got %+v", again)
	}
	if again.ExpiresAt.IsZero() || again.ExpiresAt.Unix() != first.ExpiresAt.Unix() {
		t.Fatalf("reused token should report its expiry %v, got %v", first.ExpiresAt, again.ExpiresAt)
	}

	if err := svc.SignOut(ctx, first.Token); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	fresh, err := svc.GetOrCreate(ctx, first.Token)
	if err != nil {
		t.Fatalf("sign-in after sign out: %v", err)
	}
	if !fresh.Created || fresh.Identity.ID == first.Identity.ID {
		t.Fatalf("expected a new identity after sign out, got %+v", fresh)
	}
}

func TestServiceReplacesGarbageToken(t *testing.T) {
	st := store.NewMemoryStore()
	issuer, _ := NewIssuer(testSecret, nil, Options{})
	svc := NewService(st, issuer)
	sess, err := svc.GetOrCreate(context.Background(), "not-a-jwt")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !sess.Created {
		t.Fatalf("expected garbage token to trigger anonymous sign-in")
	}
}
