package vendorbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/opengovern/vendor-bridge/internal/timeparse"
)

// requestExecutor runs the attempt loop: wait for the limiter, send,
// classify, and back off or give up.
type requestExecutor struct {
	c *Client
}

func newRequestExecutor(c *Client) *requestExecutor {
	return &requestExecutor{c: c}
}

// newBackOff returns base * 2^retry capped at MaxBackoff. With the default
// Jitter of 0 the delays never decrease.
func (re *requestExecutor) newBackOff() *backoff.ExponentialBackOff {
	cfg := re.c.cfg
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(cfg.BaseBackoff, cfg.MaxBackoff)
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxBackoff
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (re *requestExecutor) executeWithRetry(ctx context.Context, call *preparedCall) (*Response, error) {
	c := re.c
	cfg := c.cfg
	log := c.log.With().
		Str("method", call.method).
		Str("path", call.path).
		Str("call_type", call.callType).
		Logger()

	bo := re.newBackOff()
	var lastRetryAfter time.Duration

	for attempt := 1; ; attempt++ {
		waited, err := c.limiter.Wait(ctx, call.callType)
		if waited > 0 {
			rateLimitWaitSeconds.WithLabelValues(cfg.Vendor, call.callType).Observe(waited.Seconds())
			log.Debug().Int("attempt", attempt).Dur("wait", waited).Msg("waited for rate limit")
		}
		if err != nil {
			return nil, re.fail(call, &Error{Kind: KindNetwork, Message: "aborted while waiting for rate limit", Attempts: attempt - 1, Cause: err})
		}

		log.Debug().Int("attempt", attempt).Msg("sending request")
		resp, body, err := re.send(ctx, call)
		if err != nil {
			if e, ok := err.(*Error); ok {
				e.Attempts = attempt
				return nil, re.fail(call, e)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, re.fail(call, &Error{Kind: KindNetwork, Message: "request aborted", Attempts: attempt, Cause: ctxErr})
			}
			if attempt > cfg.MaxRetries {
				return nil, re.fail(call, &Error{Kind: KindNetwork, Attempts: attempt, Cause: err})
			}
			wait := bo.NextBackOff()
			retriesTotal.WithLabelValues(cfg.Vendor, "network").Inc()
			log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("transport error, retrying")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, re.fail(call, &Error{Kind: KindNetwork, Message: "aborted during backoff", Attempts: attempt, Cause: err})
			}
			continue
		}

		info := parseRateLimitInfo(resp.Header, cfg.RateLimitHeaders, c.now())
		c.limiter.UpdateRateLimits(call.callType, info)

		status := resp.StatusCode
		switch {
		case status >= 200 && status < 300:
			if attempt > 1 {
				log.Debug().Int("attempts", attempt).Int("status", status).Msg("request succeeded after retries")
			} else {
				log.Debug().Int("status", status).Msg("request succeeded on first attempt")
			}
			return re.success(call, resp, body, attempt, info)

		case status == http.StatusTooManyRequests:
			ra, hasRA := timeparse.RetryAfter(resp.Header.Get("Retry-After"), c.now())
			if hasRA {
				lastRetryAfter = ra
			}
			if hasRA && cfg.MaxRetryAfter > 0 && ra > cfg.MaxRetryAfter {
				log.Debug().Dur("retry_after", ra).Dur("max_retry_after", cfg.MaxRetryAfter).Msg("retry-after too long, giving up")
				return nil, re.fail(call, re.statusError(KindRateLimit, resp, body, attempt, lastRetryAfter))
			}
			if attempt > cfg.MaxRetries {
				log.Debug().Int("attempts", attempt).Msg("rate limited and max retries reached")
				return nil, re.fail(call, re.statusError(KindRateLimit, resp, body, attempt, lastRetryAfter))
			}
			retriesTotal.WithLabelValues(cfg.Vendor, "rate_limit").Inc()
			wait := bo.NextBackOff()
			switch {
			case hasRA:
				// Every caller of this call type waits it out, not just us.
				c.limiter.BackOff(call.callType, ra)
				log.Debug().Int("attempt", attempt).Dur("retry_after", ra).Msg("429, honouring retry-after")
			case c.limiter.windowDelay(call.callType) > 0:
				log.Debug().Int("attempt", attempt).Msg("429, waiting for vendor reset")
			default:
				log.Debug().Int("attempt", attempt).Dur("backoff", wait).Msg("429, backing off")
				if err := c.sleep(ctx, wait); err != nil {
					return nil, re.fail(call, &Error{Kind: KindNetwork, Message: "aborted during backoff", Attempts: attempt, Cause: err})
				}
			}

		case status >= 500:
			if attempt > cfg.MaxRetries {
				log.Debug().Int("attempts", attempt).Int("status", status).Msg("server error and max retries reached")
				return nil, re.fail(call, re.statusError(KindServer, resp, body, attempt, 0))
			}
			wait := bo.NextBackOff()
			retriesTotal.WithLabelValues(cfg.Vendor, "server").Inc()
			log.Debug().Int("attempt", attempt).Int("status", status).Dur("backoff", wait).Msg("server error, retrying")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, re.fail(call, &Error{Kind: KindNetwork, Message: "aborted during backoff", Attempts: attempt, Cause: err})
			}

		default:
			kind := kindForStatus(status)
			log.Debug().Int("status", status).Str("kind", string(kind)).Msg("request failed, not retrying")
			return nil, re.fail(call, re.statusError(kind, resp, body, attempt, 0))
		}
	}
}

// send performs one attempt. Transport failures come back as plain errors;
// failures that must not be retried come back as *Error.
func (re *requestExecutor) send(ctx context.Context, call *preparedCall) (*http.Response, []byte, error) {
	c := re.c
	cfg := c.cfg

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, call.method, call.url.String(), call.body.reader())
	if err != nil {
		return nil, nil, &Error{Kind: KindInvalidRequest, Message: "build request", Cause: err}
	}
	for k, v := range cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if call.body != nil {
		req.Header.Set("Content-Type", call.body.contentType)
	}
	for k, vs := range call.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.NewString())
	}

	if err := c.auth.Apply(req); err != nil {
		return nil, nil, &Error{Kind: KindAuthentication, Message: "apply credential", Cause: err}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(cfg.Vendor, call.callType).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(cfg.Vendor, call.callType, statusLabel(0)).Inc()
		return nil, nil, err
	}
	defer resp.Body.Close()
	requestsTotal.WithLabelValues(cfg.Vendor, call.callType, statusLabel(resp.StatusCode)).Inc()

	var reader io.Reader = resp.Body
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reader = io.LimitReader(resp.Body, cfg.MaxErrorBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (re *requestExecutor) success(call *preparedCall, resp *http.Response, body []byte, attempts int, info *RateLimitInfo) (*Response, error) {
	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Attempts:   attempts,
		CallType:   call.callType,
		RateLimit:  info,
	}
	data, err := parseBody(resp.StatusCode, resp.Header.Get("Content-Type"), body)
	if err != nil {
		e := re.statusError(KindDecode, resp, body, attempts, 0)
		e.Message = "response declared as JSON does not parse"
		e.Cause = err
		return nil, re.fail(call, e)
	}
	out.Data = data
	return out, nil
}

// parseBody decodes JSON bodies and returns other text as a string. An
// empty body decodes to nil. Only a body declared as JSON fails to parse;
// undeclared bodies that merely look like JSON fall back to text.
func parseBody(status int, contentType string, body []byte) (any, error) {
	trimmed := bytes.TrimSpace(body)
	if status == http.StatusNoContent || len(trimmed) == 0 {
		return nil, nil
	}

	mediaType := ""
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = strings.ToLower(mt)
		}
	}
	declaredJSON := mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")

	if declaredJSON || (contentType == "" && (trimmed[0] == '{' || trimmed[0] == '[')) {
		var v any
		err := json.Unmarshal(trimmed, &v)
		if err == nil {
			return v, nil
		}
		if declaredJSON {
			return nil, err
		}
	}
	return string(body), nil
}

func (re *requestExecutor) statusError(kind Kind, resp *http.Response, body []byte, attempts int, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    vendorMessage(body),
		Body:       body,
		RetryAfter: retryAfter,
		Attempts:   attempts,
	}
}

// fail stamps the call's identity on e and counts it. The URL is the one
// built before auth was applied, so query credentials never leak into it.
func (re *requestExecutor) fail(call *preparedCall, e *Error) *Error {
	e.Vendor = re.c.cfg.Vendor
	e.Method = call.method
	e.URL = call.url.String()
	errorsTotal.WithLabelValues(e.Vendor, string(e.Kind)).Inc()
	return e
}
