package vendorbridge

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Option customizes a Client at construction.
type Option func(*Client) error

// WithLogger sets the client's logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

// WithDebug logs every attempt, wait and retry at debug level.
func WithDebug(enabled bool) Option {
	return func(c *Client) error {
		c.debug = enabled
		return nil
	}
}

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is left
// alone; ClientConfig.Timeout is applied per attempt through the context.
func WithHTTPClient(hc Doer) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.http = hc
		return nil
	}
}

// WithTransport keeps the default client but swaps its RoundTripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) error {
		if rt == nil {
			return errors.New("nil transport")
		}
		c.http = &http.Client{Transport: rt}
		return nil
	}
}

// WithAuthenticator overrides the authenticator derived from ClientConfig.Auth.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) error {
		if a == nil {
			return errors.New("nil authenticator")
		}
		c.auth = a
		return nil
	}
}

// withClock is a test hook replacing time.Now and the context aware sleep.
func withClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) error {
		c.now = now
		c.sleep = sleep
		return nil
	}
}

// RequestOption customizes a single Execute call.
type RequestOption func(*Request)

// WithQuery adds string query parameters.
func WithQuery(params map[string]string) RequestOption {
	return func(r *Request) {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		for k, v := range params {
			r.Query.Set(k, v)
		}
	}
}

func WithQueryValues(values url.Values) RequestOption {
	return func(r *Request) {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		for k, vs := range values {
			for _, v := range vs {
				r.Query.Add(k, v)
			}
		}
	}
}

func WithQueryParam(key, value string) RequestOption {
	return func(r *Request) {
		if r.Query == nil {
			r.Query = url.Values{}
		}
		r.Query.Add(key, value)
	}
}

// WithJSON sends body as JSON.
func WithJSON(body any) RequestOption {
	return func(r *Request) {
		r.Body = body
		r.Encoding = EncodingJSON
	}
}

// WithForm sends body as application/x-www-form-urlencoded.
func WithForm(body any) RequestOption {
	return func(r *Request) {
		r.Body = body
		r.Encoding = EncodingForm
	}
}

// WithMultipart sends fields and files as multipart/form-data.
func WithMultipart(fields any, files ...FilePart) RequestOption {
	return func(r *Request) {
		r.Body = fields
		r.Files = append(r.Files, files...)
		r.Encoding = EncodingMultipart
	}
}

// WithRawBody sends body unchanged with the given content type.
func WithRawBody(body any, contentType string) RequestOption {
	return func(r *Request) {
		r.Body = body
		r.Encoding = EncodingRaw
		if contentType != "" {
			if r.Header == nil {
				r.Header = http.Header{}
			}
			r.Header.Set("Content-Type", contentType)
		}
	}
}

func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = http.Header{}
		}
		r.Header.Set(key, value)
	}
}

// WithCallType puts the request in a named rate limit bucket.
func WithCallType(name string) RequestOption {
	return func(r *Request) {
		r.CallType = name
	}
}
