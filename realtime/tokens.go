package realtime

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is how long subscription tokens stay valid.
const DefaultTokenTTL = time.Hour

// Token errors
var (
	ErrInvalidToken    = errors.New("invalid subscription token")
	ErrChannelMismatch = errors.New("token is not valid for channel")
	ErrMissingSecret   = errors.New("token signing secret is empty")
	ErrMissingSubject  = errors.New("user id is required")
)

// Claims are the JWT claims of a subscription token.
type Claims struct {
	Channel string   `json:"channel"`
	Topics  []string `json:"topics"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies per-channel subscription tokens.
type TokenService struct {
	secret   []byte
	ttl      time.Duration
	registry *Registry
	now      func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithTTL sets the token lifetime.
func WithTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService returns a service signing HS256 tokens with secret.
func NewTokenService(secret []byte, registry *Registry, opts ...TokenOption) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if registry == nil {
		registry = NewDefaultRegistry()
	}
	s := &TokenService{
		secret:   slices.Clone(secret),
		ttl:      DefaultTokenTTL,
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Registry returns the channel registry tokens are issued for.
func (s *TokenService) Registry() *Registry {
	return s.registry
}

// Tokens mints one token per registered channel for userID, keyed by
// channel key.
func (s *TokenService) Tokens(userID string) (map[string]string, error) {
	if userID == "" {
		return nil, ErrMissingSubject
	}
	channels := s.registry.Channels()
	out := make(map[string]string, len(channels))
	for _, ch := range channels {
		tok, err := s.issue(userID, ch)
		if err != nil {
			return nil, fmt.Errorf("issuing token for %s: %w", ch.Key, err)
		}
		out[ch.Key] = tok
	}
	return out, nil
}

// ChannelNameMap returns channel keys mapped to display names.
func (s *TokenService) ChannelNameMap() map[string]string {
	return s.registry.ChannelNameMap()
}

func (s *TokenService) issue(userID string, ch Channel) (string, error) {
	now := s.now()
	claims := Claims{
		Channel: ch.Key,
		Topics:  []string{ch.Topic},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the signature and expiry of token and that it was issued
// for channel.
func (s *TokenService) Verify(token, channel string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.Channel != channel {
		return nil, fmt.Errorf("%w %s", ErrChannelMismatch, channel)
	}
	return claims, nil
}
