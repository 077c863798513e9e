package session

import (
	"errors"
	"net/http"
	"strings"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// TokenFromRequest reads the first Authorization header of r.
func TokenFromRequest(r *http.Request) (string, error) {
	values := r.Header.Values("Authorization")
	if len(values) == 0 {
		return "", errMissingAuthorization
	}
	return TokenFromHeader(values[0])
}

// TokenFromHeader strips the Bearer prefix and checks the token has the
// three dot-separated segments of a JWT.
func TokenFromHeader(raw string) (string, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := trimmed[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}

// IsUnauthorized reports whether err came from a missing or malformed
// Authorization header.
func IsUnauthorized(err error) bool {
	return errors.Is(err, errMissingAuthorization) || errors.Is(err, errBadAuthorization)
}
