package store

import (
	"fmt"
	"net/http"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Authenticator attaches credentials to an outgoing request.
type Authenticator interface {
	Apply(req *http.Request)
}

// BasicAuth authenticates with a username and password.
type BasicAuth struct {
	Username string
	Password string
}

// Apply sets the Authorization header for basic authentication.
func (a BasicAuth) Apply(req *http.Request) {
	req.SetBasicAuth(a.Username, a.Password)
}

// BearerAuth authenticates with a bearer token, typically a JWT session
// token issued by the store.
type BearerAuth struct {
	Token string
}

// Apply sets the Authorization header for bearer authentication.
func (a BearerAuth) Apply(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.Token)
}

// Expiry parses the token's exp claim without verifying the signature, so
// callers can refresh sessions before the store starts rejecting requests.
// Returns the zero time when the token carries no expiry.
func (a BearerAuth) Expiry() (time.Time, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(a.Token, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("wicker: parse bearer token: %w", err)
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("wicker: parse bearer token: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
