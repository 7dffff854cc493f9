package vendorbridge

import "net/http"

// Authenticator attaches a credential to an outgoing request. It is called
// once per attempt, after the URL and headers are built, so implementations
// may refresh short-lived tokens.
type Authenticator interface {
	Apply(req *http.Request) error
}

// Doer is the part of *http.Client the client needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}
