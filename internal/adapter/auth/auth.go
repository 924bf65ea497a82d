// Package auth resolves the identity of a websocket handshake from a bearer
// token or a session cookie.
package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pscheid92/realtimeapi/internal/domain"
)

// Authenticator extracts an identity from the upgrade request. A request
// without credentials yields the anonymous identity and no error; present but
// invalid credentials wrap domain.ErrUnauthenticated.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Identity, error)
}

type AuthenticatorFunc func(r *http.Request) (domain.Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (domain.Identity, error) {
	return f(r)
}

// Anonymous authenticates every request as the anonymous identity.
var Anonymous = AuthenticatorFunc(func(*http.Request) (domain.Identity, error) {
	return domain.Anonymous(), nil
})

// Chain tries each authenticator in order and returns the first non-anonymous identity.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (domain.Identity, error) {
	for _, a := range c {
		id, err := a.Authenticate(r)
		if err != nil {
			return domain.Anonymous(), err
		}
		if !id.IsAnonymous() {
			return id, nil
		}
	}
	return domain.Anonymous(), nil
}

func unauthenticated(reason string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", reason, domain.ErrUnauthenticated)
	}
	return fmt.Errorf("%s: %w", reason, errors.Join(domain.ErrUnauthenticated, err))
}
