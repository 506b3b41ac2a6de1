package session

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"taskboard/domain"
)

// HS256Source signs tokens with a shared secret, matching the server's local
// auth mode.
type HS256Source struct {
	Secret   []byte
	User     domain.User
	Audience string
	Issuer   string
	TTL      time.Duration

	now func() time.Time
}

// NewHS256Source returns a source issuing one-hour tokens for user.
func NewHS256Source(secret []byte, user domain.User) *HS256Source {
	return &HS256Source{Secret: secret, User: user, TTL: time.Hour, now: time.Now}
}

func (s *HS256Source) Token(_ context.Context) (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("shared secret must be set")
	}
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	claims := jwt.MapClaims{
		"sub": s.User.UID,
		"iat": now.Unix(),
		"exp": now.Add(s.TTL).Unix(),
	}
	if s.User.DisplayName != "" {
		claims["name"] = s.User.DisplayName
	}
	if s.User.Email != "" {
		claims["email"] = s.User.Email
	}
	if s.Audience != "" {
		claims["aud"] = s.Audience
	}
	if s.Issuer != "" {
		claims["iss"] = s.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

// StaticToken hands out a fixed token, e.g. one minted by an identity
// provider outside this process.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("empty token")
	}
	return string(t), nil
}
