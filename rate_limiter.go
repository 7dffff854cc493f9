// rate_limiter.go
// ----------------
// The rate limiter decides when the next attempt may be sent. Four things
// can hold a request back, checked in this order:
//
//   - a 429 back-off window for the call type (set from Retry-After),
//   - the vendor reported limit when it says nothing is left until reset,
//   - the call type's own budget (CallTypeRule.Budget),
//   - the client wide MinInterval or RateLimit budget.
//
// Every attempt, retries included, goes through Wait. State is keyed by
// call type and shared by all goroutines using the client.
package vendorbridge

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opengovern/vendor-bridge/internal/timeparse"
)

type sleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type RateLimiter struct {
	now   func() time.Time
	sleep sleepFunc

	// global is nil when neither MinInterval nor RateLimit is configured.
	global *rate.Limiter
	typed  map[string]*rate.Limiter

	useVendorLimits     bool
	maxRequestsOverride int

	mu           sync.Mutex
	vendorLimits map[string]*RateLimitInfo
	blockedUntil map[string]time.Time
}

func newRateLimiter(cfg ClientConfig, now func() time.Time, sleep sleepFunc) *RateLimiter {
	r := &RateLimiter{
		now:                 now,
		sleep:               sleep,
		typed:               make(map[string]*rate.Limiter),
		useVendorLimits:     cfg.UseVendorLimits,
		maxRequestsOverride: cfg.MaxRequestsOverride,
		vendorLimits:        make(map[string]*RateLimitInfo),
		blockedUntil:        make(map[string]time.Time),
	}
	switch {
	case cfg.MinInterval > 0:
		r.global = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	case cfg.RateLimit.enabled():
		r.global = tokenBucket(cfg.RateLimit)
	}
	for _, rule := range cfg.CallTypes {
		if rule.Budget.enabled() {
			r.typed[rule.Name] = tokenBucket(rule.Budget)
		}
	}
	return r
}

// tokenBucket holds b.Requests tokens and refills them evenly over b.Window.
func tokenBucket(b RateBudget) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(b.Requests)/b.Window.Seconds()), b.Requests)
}

// Wait blocks until a request of callType may be sent and returns how long
// it waited.
func (r *RateLimiter) Wait(ctx context.Context, callType string) (time.Duration, error) {
	var waited time.Duration

	if d := r.windowDelay(callType); d > 0 {
		if err := r.sleep(ctx, d); err != nil {
			return waited, err
		}
		waited += d
	}

	for _, l := range []*rate.Limiter{r.typed[callType], r.global} {
		if l == nil {
			continue
		}
		d, err := r.reserve(ctx, l)
		waited += d
		if err != nil {
			return waited, err
		}
	}
	return waited, nil
}

func (r *RateLimiter) reserve(ctx context.Context, l *rate.Limiter) (time.Duration, error) {
	now := r.now()
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return 0, errors.New("rate limiter burst is zero")
	}
	d := res.DelayFrom(now)
	if d <= 0 {
		return 0, nil
	}
	if deadline, ok := ctx.Deadline(); ok && deadline.Before(now.Add(d)) {
		res.CancelAt(now)
		return 0, context.DeadlineExceeded
	}
	if err := r.sleep(ctx, d); err != nil {
		res.CancelAt(r.now())
		return d, err
	}
	return d, nil
}

// windowDelay is how long callType is held back by a 429 window or by an
// exhausted vendor limit.
func (r *RateLimiter) windowDelay(callType string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var d time.Duration
	if until, ok := r.blockedUntil[callType]; ok {
		if timeparse.IsInFuture(until, now) {
			d = until.Sub(now)
		} else {
			delete(r.blockedUntil, callType)
		}
	}
	if !r.useVendorLimits {
		return d
	}
	info := r.vendorLimits[callType]
	if info == nil || info.RemainingRequests == nil || *info.RemainingRequests > 0 || info.ResetRequestsAt == nil {
		return d
	}
	if reset := info.ResetRequestsAt.Sub(now); reset > d {
		d = reset
	}
	return d
}

// BackOff blocks callType for d. An existing longer window is kept.
func (r *RateLimiter) BackOff(callType string, d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	until := r.now().Add(d)
	if cur, ok := r.blockedUntil[callType]; ok && cur.After(until) {
		return
	}
	r.blockedUntil[callType] = until
}

// UpdateRateLimits stores what the vendor reported for callType, clamped by
// MaxRequestsOverride when set.
func (r *RateLimiter) UpdateRateLimits(callType string, info *RateLimitInfo) {
	if info == nil {
		return
	}
	info = info.clone()
	if r.maxRequestsOverride > 0 {
		limit := r.maxRequestsOverride
		if info.MaxRequests == nil || *info.MaxRequests > limit {
			info.MaxRequests = &limit
		}
		if info.RemainingRequests != nil && *info.RemainingRequests > *info.MaxRequests {
			rem := *info.MaxRequests
			info.RemainingRequests = &rem
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendorLimits[callType] = info
}

// RateLimitInfo returns a copy of the last info reported for callType.
func (r *RateLimiter) RateLimitInfo(callType string) *RateLimitInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vendorLimits[callType].clone()
}

// parseRateLimitInfo reads the vendor's rate limit headers. It returns nil
// when none of them are present.
func parseRateLimitInfo(h http.Header, names RateLimitHeaders, now time.Time) *RateLimitInfo {
	info := &RateLimitInfo{}
	found := false
	if v, ok := headerInt(h, names.Limit); ok {
		info.MaxRequests = &v
		found = true
	}
	if v, ok := headerInt(h, names.Remaining); ok {
		info.RemainingRequests = &v
		found = true
	}
	if names.Reset != "" {
		if t, ok := timeparse.Reset(h.Get(names.Reset), names.ResetFormat, now); ok {
			info.ResetRequestsAt = &t
			found = true
		}
	}
	if !found {
		return nil
	}
	return info
}

func headerInt(h http.Header, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	raw := strings.TrimSpace(h.Get(name))
	if raw == "" {
		return 0, false
	}
	// Some vendors append a policy, e.g. "100, 100;w=60".
	if i := strings.IndexAny(raw, ",;"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// classifyCallType returns the first matching rule's name, or DefaultCallType.
func classifyCallType(rules []CallTypeRule, method, path string) string {
	for _, rule := range rules {
		if rule.matches(method, path) {
			return rule.Name
		}
	}
	return DefaultCallType
}

// matches requires every non-empty criterion to match. A rule without
// criteria only applies to requests that name it explicitly.
func (r CallTypeRule) matches(method, path string) bool {
	if len(r.Methods) == 0 && r.PathPrefix == "" && r.PathContains == "" {
		return false
	}
	if len(r.Methods) > 0 {
		ok := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if r.PathPrefix != "" && !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	if r.PathContains != "" && !strings.Contains(path, r.PathContains) {
		return false
	}
	return true
}
