package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestTokens(t *testing.T, clock func() time.Time) *SessionTokens {
	t.Helper()
	tokens, err := NewSessionTokens(SessionTokensConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "canvadocs-auth",
		Audience:      "canvadocs-api",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return tokens
}

func TestSessionTokensRoundTrip(t *testing.T) {
	tokens := newTestTokens(t, nil)

	signed, expiresIn, err := tokens.Issue("sess-1", "doc-1", "user-1", "Student One", "readwrite")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	claims, err := tokens.Validate(signed)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.SessionKey() != "sess-1" {
		t.Fatalf("session key = %s", claims.SessionKey())
	}
	if claims.DocumentID != "doc-1" || claims.UserID != "user-1" ||
		claims.UserName != "Student One" || claims.Permissions != "readwrite" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestSessionTokensRejectMissingSecret(t *testing.T) {
	if _, err := NewSessionTokens(SessionTokensConfig{}); !errors.Is(err, ErrMissingTokenSigningKey) {
		t.Fatalf("err = %v, want ErrMissingTokenSigningKey", err)
	}
}

func TestSessionTokensRejectMissingSessionKey(t *testing.T) {
	tokens := newTestTokens(t, nil)
	if _, _, err := tokens.Issue("  ", "doc-1", "user-1", "", ""); !errors.Is(err, ErrMissingSessionKey) {
		t.Fatalf("err = %v, want ErrMissingSessionKey", err)
	}
}

func TestSessionTokensRejectExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	tokens := newTestTokens(t, func() time.Time { return issuedAt })

	signed, _, err := tokens.Issue("sess-1", "doc-1", "user-1", "", "read")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	expiredClock := func() time.Time { return issuedAt.Add(2 * time.Hour) }
	late := newTestTokens(t, expiredClock)
	if _, err := late.Validate(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("err = %v, want ErrInvalidSessionToken", err)
	}
}

func TestSessionTokensRejectForeignSignature(t *testing.T) {
	tokens := newTestTokens(t, nil)
	foreign, err := NewSessionTokens(SessionTokensConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "canvadocs-auth",
		Audience:      "canvadocs-api",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	signed, _, err := foreign.Issue("sess-1", "doc-1", "user-1", "", "read")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := tokens.Validate(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("err = %v, want ErrInvalidSessionToken", err)
	}
}
