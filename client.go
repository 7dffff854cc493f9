// client.go
// ---------
// Client is the rate limited HTTP client for one vendor API. One Client per
// vendor and credential; it is safe for concurrent use and every goroutine
// shares the same limiter.
package vendorbridge

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Client struct {
	cfg  ClientConfig
	base *url.URL

	http    Doer
	auth    Authenticator
	limiter *RateLimiter
	exec    *requestExecutor

	log   zerolog.Logger
	debug bool

	now   func() time.Time
	sleep sleepFunc
}

// New validates cfg and builds a Client. Configuration problems, including
// an empty credential, are reported as KindConfig errors before any network
// activity.
func New(cfg ClientConfig, opts ...Option) (*Client, error) {
	cfg = cfg.clone().withDefaults()

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{},
		log:   zerolog.Nop(),
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, &Error{Kind: KindConfig, Vendor: cfg.Vendor, Message: "invalid option", Cause: err}
		}
	}

	if err := cfg.validate(c.auth != nil); err != nil {
		return nil, err
	}

	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, &Error{Kind: KindConfig, Vendor: cfg.Vendor, Message: "invalid base url", Cause: err}
	}
	// The base path is a prefix: "https://host/api/v1" + "/users" is
	// "https://host/api/v1/users".
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		if base.RawPath != "" {
			base.RawPath += "/"
		}
	}
	c.base = base

	if c.auth == nil {
		if c.auth, err = newAuthenticator(cfg); err != nil {
			return nil, err
		}
	}
	if c.debug {
		c.log = c.log.Level(zerolog.DebugLevel)
	}
	c.log = c.log.With().Str("vendor", cfg.Vendor).Logger()

	c.limiter = newRateLimiter(cfg, c.now, c.sleep)
	c.exec = newRequestExecutor(c)
	return c, nil
}

// Config returns a copy of the configuration the client was built with.
func (c *Client) Config() ClientConfig {
	return c.cfg.clone()
}

func (c *Client) Vendor() string { return c.cfg.Vendor }

// Execute sends method path to the vendor and returns the parsed reply.
//
// It waits for the rate limiter before every attempt, retries 429, 5xx and
// transport failures up to MaxRetries and returns an *Error for anything
// but a 2xx reply.
func (c *Client) Execute(ctx context.Context, method, path string, opts ...RequestOption) (*Response, error) {
	req := &Request{Method: method, Path: path}
	for _, opt := range opts {
		opt(req)
	}
	return c.Do(ctx, req)
}

// Do is Execute for a prepared Request.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, invalidRequest(c.cfg.Vendor, "nil request")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	call, err := c.prepare(req)
	if err != nil {
		errorsTotal.WithLabelValues(c.cfg.Vendor, string(KindOf(err))).Inc()
		return nil, err
	}
	return c.exec.executeWithRetry(ctx, call)
}

// ExecuteAsync runs Execute in its own goroutine. The channel receives
// exactly one Result and is then closed.
func (c *Client) ExecuteAsync(ctx context.Context, method, path string, opts ...RequestOption) <-chan Result {
	req := &Request{Method: method, Path: path}
	for _, opt := range opts {
		opt(req)
	}
	return c.DoAsync(ctx, req)
}

func (c *Client) DoAsync(ctx context.Context, req *Request) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		resp, err := c.Do(ctx, req)
		ch <- Result{Response: resp, Err: err}
	}()
	return ch
}

// RateLimitInfo returns the last limit the vendor reported for callType
// (DefaultCallType when empty), or nil.
func (c *Client) RateLimitInfo(callType string) *RateLimitInfo {
	if callType == "" {
		callType = DefaultCallType
	}
	return c.limiter.RateLimitInfo(callType)
}

// preparedCall is a validated Request with its URL resolved and body
// encoded. It is reused for every attempt.
type preparedCall struct {
	method   string
	path     string
	url      *url.URL
	header   http.Header
	body     *encodedBody
	callType string
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func (c *Client) prepare(req *Request) (*preparedCall, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if !allowedMethods[method] {
		return nil, invalidRequest(c.cfg.Vendor, "unsupported method %q", req.Method)
	}

	u, relPath, err := c.resolveURL(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	body, err := encodeBody(req)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Vendor: c.cfg.Vendor, Method: method, URL: u.String(), Message: "encode body", Cause: err}
	}

	callType := req.CallType
	if callType == "" {
		callType = classifyCallType(c.cfg.CallTypes, method, relPath)
	}

	return &preparedCall{
		method:   method,
		path:     relPath,
		url:      u,
		header:   req.Header.Clone(),
		body:     body,
		callType: callType,
	}, nil
}

// resolveURL joins path onto the base URL. A leading "/" is relative to the
// base path. Absolute URLs are refused so the credential can only ever go to
// the configured host.
func (c *Client) resolveURL(path string, query url.Values) (*url.URL, string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, "", invalidRequest(c.cfg.Vendor, "empty path")
	}
	ref, err := url.Parse(p)
	if err != nil {
		return nil, "", &Error{Kind: KindInvalidRequest, Vendor: c.cfg.Vendor, Message: "invalid path", Cause: err}
	}
	if ref.IsAbs() || ref.Host != "" {
		return nil, "", invalidRequest(c.cfg.Vendor, "path must be relative to the base url, got %q", p)
	}

	rel := *ref
	rel.Path = strings.TrimPrefix(rel.Path, "/")
	rel.RawPath = strings.TrimPrefix(rel.RawPath, "/")
	u := c.base.ResolveReference(&rel)

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, "/" + rel.Path, nil
}
