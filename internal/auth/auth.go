// Package auth validates the shared token that guards the admin surface.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// HeaderToken is the alternative to an Authorization bearer token.
const HeaderToken = "X-USP-Admin-Token"

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty Token denies
// everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// TokenFromRequest returns the bearer token of r, falling back to the
// X-USP-Admin-Token header.
func TokenFromRequest(r *http.Request) (string, bool) {
	if r == nil {
		return "", false
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), true
		}
		return "", false
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderToken)); v != "" {
		return v, true
	}
	return "", false
}
