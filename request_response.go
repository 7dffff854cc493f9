package vendorbridge

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Request describes one logical call. Retries resend the same Request.
type Request struct {
	Method string
	// Path is relative to ClientConfig.BaseURL.
	Path  string
	Query url.Values

	Body     any
	Encoding BodyEncoding
	Files    []FilePart

	Header http.Header

	// CallType forces the rate limit bucket; empty means classify by rules.
	CallType string
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Data is the decoded JSON value, the body text for non-JSON replies,
	// or nil when the body is empty.
	Data any

	Attempts int
	CallType string

	// RateLimit is what the vendor reported in its headers, if anything.
	RateLimit *RateLimitInfo
}

// Decode unmarshals the raw JSON body into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return &Error{Kind: KindDecode, Message: "empty response body"}
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &Error{Kind: KindDecode, StatusCode: r.StatusCode, Message: "decode response", Cause: err}
	}
	return nil
}

func (r *Response) Empty() bool {
	return r == nil || len(r.Body) == 0
}

// RateLimitInfo is a vendor reported limit. Nil fields were not reported.
type RateLimitInfo struct {
	MaxRequests       *int
	RemainingRequests *int
	ResetRequestsAt   *time.Time
}

func (i *RateLimitInfo) clone() *RateLimitInfo {
	if i == nil {
		return nil
	}
	c := &RateLimitInfo{}
	if i.MaxRequests != nil {
		v := *i.MaxRequests
		c.MaxRequests = &v
	}
	if i.RemainingRequests != nil {
		v := *i.RemainingRequests
		c.RemainingRequests = &v
	}
	if i.ResetRequestsAt != nil {
		v := *i.ResetRequestsAt
		c.ResetRequestsAt = &v
	}
	return c
}

// Result is delivered by the async variants.
type Result struct {
	Response *Response
	Err      error
}
