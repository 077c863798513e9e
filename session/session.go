// Package session holds the caller's bearer token. Stores receive a session
// explicitly; nothing reads credentials from global state.
package session

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Credentials is what outgoing requests need from a session.
type Credentials interface {
	BearerToken() string
	UserID() string
}

// Claims are the fields the client reads from the token. The token is not
// verified here; the planner service does that on every request.
type Claims struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Session is safe for concurrent use. The token can be swapped when the
// caller re-authenticates.
type Session struct {
	mu     sync.RWMutex
	token  string
	claims Claims
}

// New parses the token's claims and returns a session holding it.
func New(token string) (*Session, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return nil, err
	}
	return &Session{token: token, claims: claims}, nil
}

// FromAuthorizationHeader builds a session from an "Authorization: Bearer"
// header value.
func FromAuthorizationHeader(header string) (*Session, error) {
	token, err := TokenFromHeader(header)
	if err != nil {
		return nil, err
	}
	return New(token)
}

func (s *Session) BearerToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.UserID
}

func (s *Session) Claims() Claims {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims
}

// Expired reports whether the token's exp claim is before now. Tokens
// without exp never expire client-side.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.claims.ExpiresAt.IsZero() && now.After(s.claims.ExpiresAt)
}

// Refresh replaces the token. The user id must not change: a different user
// needs a different session.
func (s *Session) Refresh(token string) error {
	claims, err := ParseClaims(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims.UserID != "" && claims.UserID != s.claims.UserID {
		return errors.New("session: refreshed token belongs to another user")
	}
	s.token = token
	s.claims = claims
	return nil
}

// ParseClaims decodes the JWT payload without checking the signature.
func ParseClaims(token string) (Claims, error) {
	if strings.TrimSpace(token) == "" {
		return Claims{}, errMissingAuthorization
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, errBadAuthorization
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid claims")
	}
	return ClaimsFromMap(mc), nil
}

// ClaimsFromMap extracts the user fields. The planner service issues
// user_id; sub is accepted for tokens from other identity providers.
func ClaimsFromMap(mc jwt.MapClaims) Claims {
	var c Claims
	for _, key := range []string{"user_id", "sub"} {
		if id := claimString(mc[key]); id != "" {
			c.UserID = id
			break
		}
	}
	for _, key := range []string{"username", "name", "email"} {
		if name := claimString(mc[key]); name != "" {
			c.Username = name
			break
		}
	}
	if exp, ok := mc["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return c
}

func claimString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return ""
}
