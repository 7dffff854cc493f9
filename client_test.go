package vendorbridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/opengovern/vendor-bridge/mock"
)

// fakeClock replaces time.Now and sleeping so backoff and Retry-After
// waits can be checked without waiting for them.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.t = f.t.Add(d)
	return nil
}

func (f *fakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func (f *fakeClock) option() Option {
	return withClock(f.Now, f.Sleep)
}

func testConfig(vendor, baseURL string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Vendor = vendor
	cfg.BaseURL = baseURL
	cfg.Credential = "test-token"
	cfg.Timeout = 5 * time.Second
	return cfg
}

func newTestClient(t *testing.T, cfg ClientConfig, opts ...Option) *Client {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

func startServer(t *testing.T) (*mock.Server, string) {
	t.Helper()
	srv := mock.NewServer()
	url := srv.Start()
	t.Cleanup(srv.Close)
	return srv, url
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMinIntervalSpacesRequests(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.JSON(http.StatusOK, `{"ok":true}`))

	cfg := testConfig("interval", url)
	cfg.MinInterval = 200 * time.Millisecond
	c := newTestClient(t, cfg)

	start := time.Now()
	for i := 0; i < 5; i++ {
		resp, err := c.Execute(context.Background(), http.MethodGet, "/items")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	require.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)

	reqs := srv.Requests()
	require.Len(t, reqs, 5)
	for i := 1; i < len(reqs); i++ {
		// Allow for scheduling slop between the limiter and the server.
		require.GreaterOrEqual(t, reqs[i].At.Sub(reqs[i-1].At), 180*time.Millisecond)
	}
}

func TestMinIntervalSharedAcrossGoroutines(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.JSON(http.StatusOK, `[]`))

	cfg := testConfig("interval-concurrent", url)
	cfg.MinInterval = 100 * time.Millisecond
	c := newTestClient(t, cfg)

	start := time.Now()
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Execute(context.Background(), http.MethodGet, "/items")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 4, srv.Count())
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestRetryAfterIsHonoured(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items",
		mock.RateLimited("2"),
		mock.JSON(http.StatusOK, `{"ok":true}`),
	)

	c := newTestClient(t, testConfig("retry-after", url))

	start := time.Now()
	resp, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 2*time.Second)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, 2, srv.Count())

	reqs := srv.Requests()
	require.GreaterOrEqual(t, reqs[1].At.Sub(reqs[0].At), 1900*time.Millisecond)
}

func TestRetryAfterHTTPDate(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	limited := mock.RateLimited(clock.Now().Add(3 * time.Second).Format(http.TimeFormat))
	srv.Handle(http.MethodGet, "/items", limited, mock.JSON(http.StatusOK, `{}`))

	c := newTestClient(t, testConfig("retry-after-date", url), clock.option())

	resp, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)
	require.Equal(t, 2, resp.Attempts)
	require.Contains(t, clock.Sleeps(), 3*time.Second)
}

func TestRetryAfterAboveMaximumFailsFast(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.RateLimited("120"))

	cfg := testConfig("retry-after-max", url)
	cfg.MaxRetryAfter = 10 * time.Second
	c := newTestClient(t, cfg, clock.option())

	_, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindRateLimit, e.Kind)
	require.Equal(t, 120*time.Second, e.RetryAfter)
	require.Equal(t, 1, e.Attempts)
	require.Equal(t, 1, srv.Count())
	require.Empty(t, clock.Sleeps())
}

func TestHugeRetryAfterStillRefused(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.RateLimited("99999999999"), mock.JSON(http.StatusOK, `{}`))

	cfg := testConfig("retry-after-huge", url)
	cfg.MaxRetryAfter = time.Minute
	c := newTestClient(t, cfg, clock.option())

	_, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.ErrorIs(t, err, ErrRateLimit)
	e, _ := AsError(err)
	require.Greater(t, e.RetryAfter, cfg.MaxRetryAfter)
	require.Equal(t, 1, srv.Count())
	require.Empty(t, clock.Sleeps())
}

func TestRetryAfterSharedAcrossCallers(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.RateLimited("1"), mock.JSON(http.StatusOK, `{}`))

	c := newTestClient(t, testConfig("retry-after-shared", url))

	first := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), http.MethodGet, "/items")
		first <- err
	}()

	// Wait until the 429 has opened the window for the call type.
	require.Eventually(t, func() bool {
		return c.limiter.windowDelay(DefaultCallType) > 0
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)
	require.Equal(t, 1, resp.Attempts)
	require.NoError(t, <-first)

	reqs := srv.Requests()
	require.Len(t, reqs, 3)
	for _, r := range reqs[1:] {
		require.GreaterOrEqual(t, r.At.Sub(reqs[0].At), 900*time.Millisecond)
	}
}

func TestRateLimitRetriesExhausted(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.AlwaysRateLimit = true
	srv.RetryAfter = "1"

	cfg := testConfig("rate-limit-exhausted", url)
	cfg.MaxRetries = 2
	c := newTestClient(t, cfg, clock.option())

	_, err := c.Execute(context.Background(), http.MethodGet, "/anything")
	require.ErrorIs(t, err, ErrRateLimit)
	e, _ := AsError(err)
	require.Equal(t, http.StatusTooManyRequests, e.StatusCode)
	require.Equal(t, 3, e.Attempts)
	require.Equal(t, time.Second, e.RetryAfter)
	require.Equal(t, "Rate limited", e.Message)
	require.Equal(t, 3, srv.Count())
	require.True(t, IsRetryable(err))
}

func TestRateLimitWithoutRetryAfterBacksOff(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items",
		mock.RateLimited(""),
		mock.RateLimited(""),
		mock.JSON(http.StatusOK, `{}`),
	)

	cfg := testConfig("rate-limit-backoff", url)
	cfg.BaseBackoff = 500 * time.Millisecond
	c := newTestClient(t, cfg, clock.option())

	resp, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)
	require.Equal(t, 3, resp.Attempts)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 2)
	require.InDelta(t, float64(500*time.Millisecond), float64(sleeps[0]), float64(time.Millisecond))
	require.InDelta(t, float64(time.Second), float64(sleeps[1]), float64(time.Millisecond))
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/me", mock.JSON(http.StatusUnauthorized, `{"message":"bad token"}`))

	c := newTestClient(t, testConfig("unauthorized", url))

	_, err := c.Execute(context.Background(), http.MethodGet, "/me")
	require.ErrorIs(t, err, ErrAuthentication)
	e, _ := AsError(err)
	require.Equal(t, http.StatusUnauthorized, e.StatusCode)
	require.Equal(t, "bad token", e.Message)
	require.Equal(t, 1, e.Attempts)
	require.Equal(t, "unauthorized", e.Vendor)
	require.Equal(t, http.MethodGet, e.Method)
	require.Equal(t, 1, srv.Count())
	require.False(t, IsRetryable(err))
}

func TestTerminalStatusesAreSingleAttempt(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusBadRequest, KindClient},
		{http.StatusUnauthorized, KindAuthentication},
		{http.StatusForbidden, KindAuthentication},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindClient},
		{http.StatusUnprocessableEntity, KindClient},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			clock := newFakeClock()
			srv, url := startServer(t)
			srv.Handle(http.MethodGet, "/thing", mock.Text(tc.status, "nope"))

			c := newTestClient(t, testConfig("terminal", url), clock.option())

			_, err := c.Execute(context.Background(), http.MethodGet, "/thing")
			e, ok := AsError(err)
			require.True(t, ok)
			require.Equal(t, tc.kind, e.Kind)
			require.Equal(t, tc.status, e.StatusCode)
			require.Equal(t, "nope", e.Message)
			require.Equal(t, 1, srv.Count())
			require.Empty(t, clock.Sleeps())
		})
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items",
		mock.Text(http.StatusServiceUnavailable, "down"),
		mock.Text(http.StatusServiceUnavailable, "down"),
		mock.Text(http.StatusServiceUnavailable, "down"),
		mock.JSON(http.StatusOK, `{"items":[1,2]}`),
	)

	cfg := testConfig("server-retry", url)
	cfg.MaxRetries = 3
	c := newTestClient(t, cfg, clock.option())

	resp, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)
	require.Equal(t, 4, resp.Attempts)
	require.Equal(t, 4, srv.Count())
	require.Equal(t, map[string]any{"items": []any{float64(1), float64(2)}}, resp.Data)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 3)
	for i := 1; i < len(sleeps); i++ {
		require.GreaterOrEqual(t, sleeps[i], sleeps[i-1])
	}
	require.GreaterOrEqual(t, sleeps[0], time.Second)
}

func TestServerErrorsExhausted(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodPost, "/jobs", mock.JSON(http.StatusBadGateway, `{"error":"upstream"}`))

	cfg := testConfig("server-exhausted", url)
	cfg.MaxRetries = 2
	c := newTestClient(t, cfg, clock.option())

	_, err := c.Execute(context.Background(), http.MethodPost, "/jobs", WithJSON(map[string]string{"a": "b"}))
	require.ErrorIs(t, err, ErrServer)
	e, _ := AsError(err)
	require.Equal(t, 3, e.Attempts)
	require.Equal(t, http.StatusBadGateway, e.StatusCode)
	require.Equal(t, "upstream", e.Message)

	// The body is replayed on every attempt.
	for _, r := range srv.Requests() {
		require.JSONEq(t, `{"a":"b"}`, string(r.Body))
	}
}

func TestBackoffIsCapped(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.Text(http.StatusInternalServerError, "boom"))

	cfg := testConfig("backoff-cap", url)
	cfg.MaxRetries = 6
	cfg.BaseBackoff = time.Second
	cfg.MaxBackoff = 5 * time.Second
	c := newTestClient(t, cfg, clock.option())

	_, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.ErrorIs(t, err, ErrServer)

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 6)
	for i, d := range sleeps {
		require.LessOrEqual(t, d, 5*time.Second+time.Millisecond, "sleep %d", i)
		if i > 0 {
			require.GreaterOrEqual(t, d, sleeps[i-1])
		}
	}
}

func TestZeroRetries(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.Text(http.StatusServiceUnavailable, "down"))

	cfg := testConfig("no-retries", url)
	cfg.MaxRetries = 0
	c := newTestClient(t, cfg, clock.option())

	_, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.ErrorIs(t, err, ErrServer)
	require.Equal(t, 1, srv.Count())
	require.Empty(t, clock.Sleeps())
}

func TestEmptyCredentialFailsBeforeNetwork(t *testing.T) {
	srv, url := startServer(t)

	cfg := testConfig("no-credential", url)
	cfg.Credential = ""
	_, err := New(cfg)
	require.ErrorIs(t, err, ErrConfig)
	require.Equal(t, KindConfig, KindOf(err))
	require.Zero(t, srv.Count())
}

func TestNetworkErrorsAreRetried(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	clock := newFakeClock()
	cfg := testConfig("network", url)
	cfg.MaxRetries = 2
	c := newTestClient(t, cfg, clock.option())

	_, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.ErrorIs(t, err, ErrNetwork)
	e, _ := AsError(err)
	require.Zero(t, e.StatusCode)
	require.Equal(t, 3, e.Attempts)
	require.NotNil(t, e.Cause)
	require.Len(t, clock.Sleeps(), 2)
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/slow", mock.Reply{Status: http.StatusOK, Body: "{}", Delay: 2 * time.Second})

	cfg := testConfig("attempt-timeout", url)
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 1
	c := newTestClient(t, cfg, clock.option())

	_, err := c.Execute(context.Background(), http.MethodGet, "/slow")
	require.ErrorIs(t, err, ErrNetwork)
	e, _ := AsError(err)
	require.Equal(t, 2, e.Attempts)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/slow", mock.Reply{Status: http.StatusOK, Body: "{}", Delay: 2 * time.Second})

	c := newTestClient(t, testConfig("cancel", url))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Execute(ctx, http.MethodGet, "/slow")
	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 1, srv.Count())
}

func TestCancelledWhileWaitingForLimiter(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.JSON(http.StatusOK, `{}`))

	cfg := testConfig("cancel-wait", url)
	cfg.MinInterval = time.Minute
	c := newTestClient(t, cfg)

	_, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Execute(ctx, http.MethodGet, "/items")
	require.ErrorIs(t, err, ErrNetwork)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 1, srv.Count())
}

func TestRequestHeadersAndAuth(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/me", mock.JSON(http.StatusOK, `{"id":1}`))

	cfg := testConfig("headers", url)
	cfg.UserAgent = "bridge-test/1"
	cfg.DefaultHeaders = map[string]string{"X-Team": "infra"}
	c := newTestClient(t, cfg)

	_, err := c.Execute(context.Background(), http.MethodGet, "/me", WithHeader("X-Extra", "1"))
	require.NoError(t, err)

	h := srv.Requests()[0].Header
	require.Equal(t, "Bearer test-token", h.Get("Authorization"))
	require.Equal(t, "bridge-test/1", h.Get("User-Agent"))
	require.Equal(t, "application/json", h.Get("Accept"))
	require.Equal(t, "infra", h.Get("X-Team"))
	require.Equal(t, "1", h.Get("X-Extra"))
	require.NotEmpty(t, h.Get("X-Request-ID"))
}

func TestQueryCredentialStaysOutOfErrors(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.Text(http.StatusNotFound, "missing"))

	cfg := testConfig("query-auth", url)
	cfg.Credential = "s3cret"
	cfg.Auth = AuthConfig{Type: AuthQuery, Param: "api_key"}
	c := newTestClient(t, cfg)

	_, err := c.Execute(context.Background(), http.MethodGet, "/items", WithQueryParam("page", "2"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NotContains(t, err.Error(), "s3cret")
	e, _ := AsError(err)
	require.Contains(t, e.URL, "page=2")

	q := srv.Requests()[0].RawQuery
	require.Contains(t, q, "api_key=s3cret")
	require.Contains(t, q, "page=2")
}

func TestBasePathIsPrefix(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/api/v1/users/{id}", mock.JSON(http.StatusOK, `{}`))

	c := newTestClient(t, testConfig("base-path", url+"/api/v1"))

	_, err := c.Execute(context.Background(), http.MethodGet, "/users/42")
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), http.MethodGet, "users/43")
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Equal(t, "/api/v1/users/42", reqs[0].Path)
	require.Equal(t, "/api/v1/users/43", reqs[1].Path)
}

func TestInvalidRequests(t *testing.T) {
	srv, url := startServer(t)
	c := newTestClient(t, testConfig("invalid", url))

	cases := map[string]struct {
		method, path string
	}{
		"absolute url":   {http.MethodGet, "https://evil.example.com/steal"},
		"host reference": {http.MethodGet, "//evil.example.com/steal"},
		"empty path":     {http.MethodGet, ""},
		"bad method":     {"TRACE", "/items"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Execute(context.Background(), tc.method, tc.path)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := c.Do(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Execute(context.Background(), http.MethodPost, "/items", WithRawBody(42, "text/plain"))
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.Zero(t, srv.Count())
}

func TestRepeatedGetParsesIdentically(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/resource/{id}", mock.JSON(http.StatusOK, `{"id":"123","tags":["a","b"],"owner":{"name":"x","seats":3}}`))

	c := newTestClient(t, testConfig("repeat", url))
	first, err := c.Execute(context.Background(), http.MethodGet, "/resource/123")
	require.NoError(t, err)
	second, err := c.Execute(context.Background(), http.MethodGet, "/resource/123")
	require.NoError(t, err)

	require.NotNil(t, first.Data)
	require.Equal(t, first.Data, second.Data)
	require.Equal(t, first.StatusCode, second.StatusCode)
}

func TestResponseBodies(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/json", mock.JSON(http.StatusOK, `{"name":"x"}`))
	srv.Handle(http.MethodGet, "/text", mock.Text(http.StatusOK, "plain words"))
	srv.Handle(http.MethodDelete, "/item", mock.Reply{Status: http.StatusNoContent})
	srv.Handle(http.MethodGet, "/broken", mock.JSON(http.StatusOK, `{"name":`))
	srv.Handle(http.MethodGet, "/problem", mock.Reply{
		Status:  http.StatusOK,
		Body:    `{"title":"ok"}`,
		Headers: map[string]string{"Content-Type": "application/problem+json"},
	})

	c := newTestClient(t, testConfig("bodies", url))
	ctx := context.Background()

	resp, err := c.Execute(ctx, http.MethodGet, "/json")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "x"}, resp.Data)
	var out struct{ Name string }
	require.NoError(t, resp.Decode(&out))
	require.Equal(t, "x", out.Name)

	resp, err = c.Execute(ctx, http.MethodGet, "/text")
	require.NoError(t, err)
	require.Equal(t, "plain words", resp.Data)

	resp, err = c.Execute(ctx, http.MethodDelete, "/item")
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Nil(t, resp.Data)
	require.True(t, resp.Empty())

	resp, err = c.Execute(ctx, http.MethodGet, "/problem")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"title": "ok"}, resp.Data)

	_, err = c.Execute(ctx, http.MethodGet, "/broken")
	require.ErrorIs(t, err, ErrDecode)
	e, _ := AsError(err)
	require.Equal(t, 1, e.Attempts)
	require.Equal(t, `{"name":`, string(e.Body))
}

func TestParseBody(t *testing.T) {
	v, err := parseBody(http.StatusOK, "", []byte(`[1]`))
	require.NoError(t, err)
	require.Equal(t, []any{float64(1)}, v)

	v, err = parseBody(http.StatusOK, "", []byte(`{not json`))
	require.NoError(t, err)
	require.Equal(t, "{not json", v)

	v, err = parseBody(http.StatusOK, "application/json", []byte("  \n"))
	require.NoError(t, err)
	require.Nil(t, v)

	_, err = parseBody(http.StatusOK, "application/json; charset=utf-8", []byte(`nope`))
	require.Error(t, err)

	v, err = parseBody(http.StatusOK, "text/html", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, v)
}

func TestErrorBodyIsTruncated(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/big", mock.Text(http.StatusBadRequest, strings.Repeat("x", 4096)))

	cfg := testConfig("truncate", url)
	cfg.MaxErrorBodyBytes = 100
	c := newTestClient(t, cfg)

	_, err := c.Execute(context.Background(), http.MethodGet, "/big")
	e, ok := AsError(err)
	require.True(t, ok)
	require.Len(t, e.Body, 100)
}

func TestExecuteAsync(t *testing.T) {
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.JSON(http.StatusOK, `{"ok":true}`))
	srv.Handle(http.MethodGet, "/missing", mock.Text(http.StatusNotFound, "gone"))

	c := newTestClient(t, testConfig("async", url))

	ok := c.ExecuteAsync(context.Background(), http.MethodGet, "/items")
	missing := c.ExecuteAsync(context.Background(), http.MethodGet, "/missing")

	res := <-ok
	require.NoError(t, res.Err)
	require.Equal(t, map[string]any{"ok": true}, res.Response.Data)
	_, open := <-ok
	require.False(t, open)

	res = <-missing
	require.Nil(t, res.Response)
	require.ErrorIs(t, res.Err, ErrNotFound)
}

func TestVendorLimitsWaitForReset(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	reset := clock.Now().Add(30 * time.Second).Unix()
	srv.Handle(http.MethodGet, "/items",
		mock.Reply{Status: http.StatusOK, Body: "{}", Headers: map[string]string{
			"X-RateLimit-Limit":     "10",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     strconv.FormatInt(reset, 10),
		}},
		mock.JSON(http.StatusOK, `{}`),
	)

	c := newTestClient(t, testConfig("vendor-limits", url), clock.option())

	resp, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)
	require.NotNil(t, resp.RateLimit)
	require.Equal(t, 0, *resp.RateLimit.RemainingRequests)

	info := c.RateLimitInfo("")
	require.NotNil(t, info)
	require.Equal(t, 10, *info.MaxRequests)
	require.Equal(t, reset, info.ResetRequestsAt.Unix())

	_, err = c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)
	require.Equal(t, []time.Duration{30 * time.Second}, clock.Sleeps())
}

func TestMetricsAreRecorded(t *testing.T) {
	clock := newFakeClock()
	srv, url := startServer(t)
	srv.Handle(http.MethodGet, "/items", mock.Text(http.StatusServiceUnavailable, "down"), mock.JSON(http.StatusOK, `{}`))
	srv.Handle(http.MethodGet, "/missing", mock.Text(http.StatusNotFound, "gone"))

	c := newTestClient(t, testConfig("metrics", url), clock.option())

	_, err := c.Execute(context.Background(), http.MethodGet, "/items")
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), http.MethodGet, "/missing")
	require.Error(t, err)

	require.Equal(t, 1.0, counterValue(t, requestsTotal.WithLabelValues("metrics", DefaultCallType, "2xx")))
	require.Equal(t, 1.0, counterValue(t, requestsTotal.WithLabelValues("metrics", DefaultCallType, "5xx")))
	require.Equal(t, 1.0, counterValue(t, requestsTotal.WithLabelValues("metrics", DefaultCallType, "4xx")))
	require.Equal(t, 1.0, counterValue(t, retriesTotal.WithLabelValues("metrics", "server")))
	require.Equal(t, 1.0, counterValue(t, errorsTotal.WithLabelValues("metrics", string(KindNotFound))))
}
