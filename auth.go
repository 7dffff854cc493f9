package vendorbridge

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// BearerAuth sets "Authorization: <Scheme> <Token>".
type BearerAuth struct {
	Scheme string
	Token  string
}

func (a BearerAuth) Apply(req *http.Request) error {
	scheme := a.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	req.Header.Set("Authorization", scheme+" "+a.Token)
	return nil
}

// HeaderAuth puts the credential in a vendor specific header.
type HeaderAuth struct {
	Header string
	Value  string
}

func (a HeaderAuth) Apply(req *http.Request) error {
	req.Header.Set(a.Header, a.Value)
	return nil
}

type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Apply(req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// QueryAuth adds the credential as a query parameter.
type QueryAuth struct {
	Param string
	Value string
}

func (a QueryAuth) Apply(req *http.Request) error {
	q := req.URL.Query()
	q.Set(a.Param, a.Value)
	req.URL.RawQuery = q.Encode()
	return nil
}

// TokenSourceAuth asks an oauth2.TokenSource for the token on every request.
// The source is wrapped in oauth2.ReuseTokenSource so valid tokens are cached.
type TokenSourceAuth struct {
	source oauth2.TokenSource
}

func NewTokenSourceAuth(src oauth2.TokenSource) *TokenSourceAuth {
	return &TokenSourceAuth{source: oauth2.ReuseTokenSource(nil, src)}
}

func (a *TokenSourceAuth) Apply(req *http.Request) error {
	tok, err := a.source.Token()
	if err != nil {
		return err
	}
	if tok == nil || tok.AccessToken == "" {
		return errors.New("token source returned an empty token")
	}
	tok.SetAuthHeader(req)
	return nil
}

// newAuthenticator builds the Authenticator described by a validated config.
func newAuthenticator(cfg ClientConfig) (Authenticator, error) {
	cred := strings.TrimSpace(cfg.Credential)
	switch cfg.Auth.Type {
	case AuthBearer, "":
		return BearerAuth{Scheme: cfg.Auth.Scheme, Token: cred}, nil
	case AuthHeader:
		return HeaderAuth{Header: cfg.Auth.Header, Value: cred}, nil
	case AuthBasic:
		if cfg.Auth.Username == "" {
			return BasicAuth{Username: cred}, nil
		}
		return BasicAuth{Username: cfg.Auth.Username, Password: cred}, nil
	case AuthQuery:
		return QueryAuth{Param: cfg.Auth.Param, Value: cred}, nil
	case AuthTokenSource:
		return NewTokenSourceAuth(cfg.Auth.TokenSource), nil
	case AuthJWT:
		a, err := NewJWTAuth(*cfg.Auth.JWT, cred)
		if err != nil {
			return nil, &Error{Kind: KindConfig, Vendor: cfg.Vendor, Message: "jwt auth", Cause: err}
		}
		return a, nil
	}
	return nil, configError("unknown auth type %q", cfg.Auth.Type)
}
