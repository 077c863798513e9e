package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"planner-sync/config"
	"planner-sync/session"
)

var errMissingUser = errors.New("missing user id")

// Authenticator maps a bearer token to the caller's user id.
type Authenticator interface {
	UserIDFromBearer(token string) (string, error)
}

// Auth validates incoming JWT tokens. In none mode the token is only decoded;
// the planner service still verifies it on every request made with it.
type Auth struct {
	Mode     string
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	Secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth builds an Auth for cfg.Mode. jwks is required in jwks mode and
// ignored otherwise.
func NewAuth(cfg config.AuthConfig, jwks *keyfunc.JWKS) (*Auth, error) {
	a := &Auth{Mode: cfg.Mode, keyCacheTTL: cfg.JWKSCacheTTL, now: time.Now}
	switch cfg.Mode {
	case config.AuthNone:
	case config.AuthHS256:
		if cfg.SharedSecret == "" {
			return nil, errors.New("hs256 auth needs a shared secret")
		}
		a.Secret = []byte(cfg.SharedSecret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	case config.AuthJWKS:
		if jwks == nil {
			return nil, errors.New("jwks auth needs a key set")
		}
		a.JWKS = jwks
		a.Audience = cfg.Audience
		a.Issuer = cfg.Issuer()
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	return a, nil
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := session.TokenFromHeader(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromBearer returns the user_id claim, falling back to sub.
func (a *Auth) UserIDFromBearer(token string) (string, error) {
	if token == "" {
		return "", errors.New("bad auth header")
	}
	if a.Mode == config.AuthNone {
		return a.unverified(token)
	}

	parsed, err := a.parser.Parse(token, func(t *jwt.Token) (any, error) {
		if a.Mode == config.AuthHS256 {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.Secret, nil
		}
		return a.keyForToken(t)
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := a.now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}

	id := session.ClaimsFromMap(claims).UserID
	if strings.TrimSpace(id) == "" {
		return "", errMissingUser
	}
	return id, nil
}

func (a *Auth) unverified(token string) (string, error) {
	claims, err := session.ParseClaims(token)
	if err != nil {
		return "", err
	}
	if !claims.ExpiresAt.IsZero() && a.now().After(claims.ExpiresAt) {
		return "", errors.New("token expired")
	}
	if claims.UserID == "" {
		return "", errMissingUser
	}
	return claims.UserID, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
