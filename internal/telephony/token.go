package telephony

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a stream token is missing, malformed,
// expired or signed with another secret.
var ErrInvalidToken = errors.New("telephony: invalid stream token")

const tokenIssuer = "hostline"

// StreamParams identify a call towards the media stream.
type StreamParams struct {
	CallID        string
	TenantID      string
	Caller        string
	BotNumber     string
	ForwardedFrom string
}

type streamClaims struct {
	jwt.RegisteredClaims

	TenantID      string `json:"tenant_id"`
	Caller        string `json:"caller,omitempty"`
	BotNumber     string `json:"bot_number,omitempty"`
	ForwardedFrom string `json:"forwarded_from,omitempty"`
}

// TokenSigner issues and verifies the short-lived HS256 tokens that bind a
// media stream to the webhook decision that opened it.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner creates a TokenSigner. An empty secret disables tokens.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl}
}

// Enabled reports whether a secret is configured.
func (s *TokenSigner) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign returns a token for p issued at now.
func (s *TokenSigner) Sign(p StreamParams, now time.Time) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	claims := streamClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   p.CallID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		TenantID:      p.TenantID,
		Caller:        p.Caller,
		BotNumber:     p.BotNumber,
		ForwardedFrom: p.ForwardedFrom,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("telephony: sign stream token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns the parameters it carries. Every failure
// wraps [ErrInvalidToken].
func (s *TokenSigner) Verify(token string, now time.Time) (StreamParams, error) {
	if token == "" {
		return StreamParams{}, fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var claims streamClaims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return StreamParams{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.TenantID == "" {
		return StreamParams{}, fmt.Errorf("%w: tenant_id missing", ErrInvalidToken)
	}
	return StreamParams{
		CallID:        claims.Subject,
		TenantID:      claims.TenantID,
		Caller:        claims.Caller,
		BotNumber:     claims.BotNumber,
		ForwardedFrom: claims.ForwardedFrom,
	}, nil
}
