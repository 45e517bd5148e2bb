package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTokenTTL = 2 * time.Hour

var (
	ErrMissingTokenSigningKey = errors.New("session token: signing key required")
	ErrMissingSessionKey      = errors.New("session token: session key required")
	ErrInvalidSessionToken    = errors.New("session token: invalid token")
)

// SessionClaims is the payload of a session token. The subject is the
// session key; the rest describes the viewer and what they may do.
type SessionClaims struct {
	DocumentID  string `json:"document_id"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Permissions string `json:"permissions"`
	jwt.RegisteredClaims
}

// SessionKey returns the session key the token addresses.
func (c SessionClaims) SessionKey() string {
	return c.Subject
}

// SessionTokensConfig configures the session token issuer and validator.
type SessionTokensConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionTokens mints and validates the HS256 JWTs that authenticate every
// wire-protocol request for a session.
type SessionTokens struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewSessionTokens constructs a SessionTokens with sane defaults.
func NewSessionTokens(cfg SessionTokensConfig) (*SessionTokens, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingTokenSigningKey
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultSessionTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionTokens{
		signingSecret: cfg.SigningSecret,
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed session token and its expiry in seconds.
func (t *SessionTokens) Issue(sessionKey, documentID, userID, userName, permissions string) (string, int64, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return "", 0, ErrMissingSessionKey
	}

	now := t.clock().UTC()
	expiresAt := now.Add(t.tokenTTL).UTC()

	claims := SessionClaims{
		DocumentID:  documentID,
		UserID:      userID,
		UserName:    userName,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionKey,
			Issuer:    t.issuer,
			Audience:  []string{t.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate checks signature, issuer, audience and expiry, and returns the
// embedded claims.
func (t *SessionTokens) Validate(tokenString string) (SessionClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return SessionClaims{}, ErrInvalidSessionToken
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return t.signingSecret, nil
		},
		jwt.WithAudience(t.audience),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.Subject == "" {
		return SessionClaims{}, fmt.Errorf("%w: missing session key", ErrInvalidSessionToken)
	}
	return *claims, nil
}
