package ics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/icholy/digest"
	"golang.org/x/oauth2"

	"calfetch/internal/model"
)

// basicAuthTransport attaches credentials to every request without waiting
// for a challenge.
type basicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.Username, t.Password)
	return t.Transport.RoundTrip(r)
}

// NewTransport wraps base with the authentication scheme described by auth.
// A nil auth returns base unchanged.
func NewTransport(auth *model.Auth, base http.RoundTripper) (http.RoundTripper, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	if auth == nil {
		return base, nil
	}

	switch auth.Method {
	case model.AuthBasic, "":
		return &basicAuthTransport{Username: auth.User, Password: auth.Pass, Transport: base}, nil
	case model.AuthDigest:
		// Credentials are only sent in answer to a WWW-Authenticate challenge.
		return &digest.Transport{Username: auth.User, Password: auth.Pass, Transport: base}, nil
	case model.AuthBearer:
		if auth.Pass == "" {
			return nil, errors.New("bearer auth requires a token")
		}
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: auth.Pass, TokenType: "Bearer"})
		return &oauth2.Transport{Source: src, Base: base}, nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", auth.Method)
	}
}
