// Package auth resolves bearer credentials into a route and secret and checks
// them against the registered brain.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/magi-network/brainproxy/internal/registry"
)

// AutoRoute is the URL route placeholder meaning "take the route from the
// composite key".
const AutoRoute = "_auto"

var (
	// ErrUnauthorized covers missing, malformed and too-short credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the secret does not match the registered brain.
	ErrForbidden = errors.New("forbidden")
)

// Credentials is a resolved (route, secret) pair.
type Credentials struct {
	Route  string
	Secret string
}

// Lookup finds the connector registered for a route.
type Lookup interface {
	Get(route string) (*registry.Connector, bool)
}

// Authenticator parses and verifies caller credentials.
type Authenticator struct {
	lookup       Lookup
	minSecretLen int
}

// New creates an Authenticator. minSecretLen defaults to 16.
func New(lookup Lookup, minSecretLen int) *Authenticator {
	if minSecretLen <= 0 {
		minSecretLen = 16
	}
	return &Authenticator{lookup: lookup, minSecretLen: minSecretLen}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Parse resolves credentials from an Authorization header and an optional
// route taken from the URL.
//
// A plain bearer with a URL route is an OAuth-style secret for that route. A
// bearer containing ':' is a composite "route:secret" key; its route is used
// when the URL route is empty or AutoRoute.
func (a *Authenticator) Parse(authorization, urlRoute string) (Credentials, error) {
	token := BearerToken(authorization)
	if token == "" {
		return Credentials{}, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	hasURLRoute := urlRoute != "" && urlRoute != AutoRoute
	route, secret, composite := strings.Cut(token, ":")

	switch {
	case hasURLRoute && !composite:
		return Credentials{Route: urlRoute, Secret: token}, nil
	case composite:
		if hasURLRoute {
			route = urlRoute
		}
		if route == "" || route == AutoRoute {
			return Credentials{}, fmt.Errorf("%w: composite key has no route", ErrUnauthorized)
		}
		if secret == "" {
			return Credentials{}, fmt.Errorf("%w: composite key has no secret", ErrUnauthorized)
		}
		return Credentials{Route: route, Secret: secret}, nil
	default:
		return Credentials{}, fmt.Errorf("%w: route required (use ?route= or a route:secret key)", ErrUnauthorized)
	}
}

// ValidateSecretLength rejects secrets shorter than the configured minimum.
func (a *Authenticator) ValidateSecretLength(secret string) error {
	if len(secret) < a.minSecretLen {
		return fmt.Errorf("%w: secret must be at least %d characters", ErrUnauthorized, a.minSecretLen)
	}
	return nil
}

// Authorize checks secret against the brain registered for route. With no
// brain registered it returns (nil, nil): verification is deferred and the
// caller takes the offline path.
func (a *Authenticator) Authorize(route, secret string) (*registry.Connector, error) {
	c, ok := a.lookup.Get(route)
	if !ok {
		return nil, nil
	}
	if !SecretsEqual(c.Secret, secret) {
		return nil, ErrForbidden
	}
	return c, nil
}

// Resolve runs Parse, ValidateSecretLength and Authorize in order.
func (a *Authenticator) Resolve(authorization, urlRoute string) (Credentials, *registry.Connector, error) {
	creds, err := a.Parse(authorization, urlRoute)
	if err != nil {
		return Credentials{}, nil, err
	}
	if err := a.ValidateSecretLength(creds.Secret); err != nil {
		return creds, nil, err
	}
	c, err := a.Authorize(creds.Route, creds.Secret)
	return creds, c, err
}

// SecretsEqual compares secrets in constant time.
func SecretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
