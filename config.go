// config.go
// ---------
// ClientConfig carries everything that distinguishes one vendor from another:
// where it lives, how the credential is attached, how fast we may call it
// and how hard we retry. It is validated once in New and never changes
// afterwards.
package vendorbridge

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/oauth2"
)

// AuthType selects how the credential is attached to outgoing requests.
type AuthType string

const (
	// AuthBearer sets "Authorization: <Scheme> <credential>", Scheme defaulting to "Bearer".
	AuthBearer AuthType = "bearer"
	// AuthHeader sets a vendor specific header, e.g. X-API-Key.
	AuthHeader AuthType = "header"
	// AuthBasic uses HTTP Basic auth. The credential is the password, or
	// the username when Username is empty (the Stripe convention).
	AuthBasic AuthType = "basic"
	// AuthQuery appends the credential as a query parameter.
	AuthQuery AuthType = "query"
	// AuthTokenSource asks a caller supplied oauth2.TokenSource for each request.
	AuthTokenSource AuthType = "token_source"
	// AuthJWT signs a short-lived JWT with the configured key.
	AuthJWT AuthType = "jwt"
)

const (
	DefaultTimeout           = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultBaseBackoff       = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultMaxErrorBodyBytes = 64 << 10
	DefaultUserAgent         = "vendor-bridge/1"

	// DefaultCallType is used for requests no CallTypeRule matches.
	DefaultCallType = "rest"
)

// AuthConfig describes the auth strategy. Which fields matter depends on Type.
type AuthConfig struct {
	Type     AuthType
	Scheme   string // AuthBearer
	Header   string // AuthHeader
	Param    string // AuthQuery
	Username string // AuthBasic

	// TokenSource is required for AuthTokenSource.
	TokenSource oauth2.TokenSource

	// JWT is required for AuthJWT.
	JWT *JWTConfig
}

// RateBudget allows Requests per Window.
type RateBudget struct {
	Requests int
	Window   time.Duration
}

func (b RateBudget) enabled() bool { return b.Requests > 0 }

// CallTypeRule assigns matching requests to a named call type with its own
// budget, on top of the client wide limit. A rule matches when every
// non-empty criterion matches.
type CallTypeRule struct {
	Name         string
	Methods      []string
	PathPrefix   string
	PathContains string
	Budget       RateBudget
}

// RateLimitHeaders names the headers a vendor uses to report its limits.
// ResetFormat is one of the timeparse formats ("auto" when empty).
type RateLimitHeaders struct {
	Limit       string
	Remaining   string
	Reset       string
	ResetFormat string
}

// DefaultRateLimitHeaders is the X-RateLimit-* convention most vendors follow.
var DefaultRateLimitHeaders = RateLimitHeaders{
	Limit:       "X-RateLimit-Limit",
	Remaining:   "X-RateLimit-Remaining",
	Reset:       "X-RateLimit-Reset",
	ResetFormat: "auto",
}

// ClientConfig configures a Client. Use DefaultClientConfig as a baseline.
type ClientConfig struct {
	// Vendor names the API in errors, logs and metrics.
	Vendor string

	// BaseURL is an absolute URL; its path is a prefix for request paths.
	BaseURL    string
	Credential string
	Auth       AuthConfig

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// MinInterval and RateLimit are mutually exclusive client wide limits.
	MinInterval time.Duration
	RateLimit   RateBudget

	CallTypes []CallTypeRule

	// UseVendorLimits makes the client wait for the reset time once the
	// vendor reports no remaining requests.
	UseVendorLimits     bool
	RateLimitHeaders    RateLimitHeaders
	MaxRequestsOverride int // clamps the vendor reported limit when > 0

	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Jitter randomizes backoff by +/- the given fraction (0..1).
	Jitter float64
	// MaxRetryAfter, when > 0, is the longest Retry-After the client will
	// honour; longer requests fail immediately with KindRateLimit.
	MaxRetryAfter time.Duration

	MaxErrorBodyBytes int64
	UserAgent         string
	DefaultHeaders    map[string]string
}

// DefaultClientConfig returns a config with the retry and timeout defaults
// filled in. BaseURL and Credential still have to be set.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Auth:              AuthConfig{Type: AuthBearer},
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		BaseBackoff:       DefaultBaseBackoff,
		MaxBackoff:        DefaultMaxBackoff,
		RateLimitHeaders:  DefaultRateLimitHeaders,
		UseVendorLimits:   true,
		MaxErrorBodyBytes: DefaultMaxErrorBodyBytes,
		UserAgent:         DefaultUserAgent,
	}
}

// withDefaults fills zero values that have a sensible default. MaxRetries
// is left alone: zero is a valid "never retry".
func (c ClientConfig) withDefaults() ClientConfig {
	if c.Auth.Type == "" {
		c.Auth.Type = AuthBearer
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxErrorBodyBytes == 0 {
		c.MaxErrorBodyBytes = DefaultMaxErrorBodyBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RateLimitHeaders == (RateLimitHeaders{}) {
		c.RateLimitHeaders = DefaultRateLimitHeaders
	}
	return c
}

// clone deep-copies the reference typed fields so the caller's config and
// the client's config never share backing storage.
func (c ClientConfig) clone() ClientConfig {
	if c.CallTypes != nil {
		rules := make([]CallTypeRule, len(c.CallTypes))
		for i, r := range c.CallTypes {
			r.Methods = append([]string(nil), r.Methods...)
			rules[i] = r
		}
		c.CallTypes = rules
	}
	if c.DefaultHeaders != nil {
		h := make(map[string]string, len(c.DefaultHeaders))
		for k, v := range c.DefaultHeaders {
			h[k] = v
		}
		c.DefaultHeaders = h
	}
	if c.Auth.JWT != nil {
		j := *c.Auth.JWT
		c.Auth.JWT = &j
	}
	return c
}

// Validate reports the first configuration problem as a KindConfig error.
func (c ClientConfig) Validate() error {
	return c.validate(false)
}

// validate skips the auth checks when the caller supplied its own
// Authenticator.
func (c ClientConfig) validate(customAuth bool) error {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return c.vendorErr(configError("base url is required"))
	}
	u, err := url.Parse(base)
	if err != nil {
		return c.vendorErr(&Error{Kind: KindConfig, Message: "invalid base url", Cause: err})
	}
	if u.Scheme == "" || u.Host == "" {
		return c.vendorErr(configError("base url must be absolute: %q", base))
	}

	if !customAuth {
		if err := c.validateAuth(); err != nil {
			return c.vendorErr(err)
		}
	}

	switch {
	case c.Timeout < 0:
		return c.vendorErr(configError("timeout must not be negative"))
	case c.MinInterval < 0:
		return c.vendorErr(configError("min interval must not be negative"))
	case c.MinInterval > 0 && c.RateLimit.enabled():
		return c.vendorErr(configError("min interval and rate limit are mutually exclusive"))
	case c.RateLimit.Requests < 0:
		return c.vendorErr(configError("rate limit requests must not be negative"))
	case c.RateLimit.enabled() && c.RateLimit.Window <= 0:
		return c.vendorErr(configError("rate limit window must be positive"))
	case c.MaxRetries < 0:
		return c.vendorErr(configError("max retries must not be negative"))
	case c.BaseBackoff < 0 || c.MaxBackoff < 0 || c.MaxRetryAfter < 0:
		return c.vendorErr(configError("backoff durations must not be negative"))
	case c.Jitter < 0 || c.Jitter > 1:
		return c.vendorErr(configError("jitter must be within [0, 1]"))
	case c.MaxErrorBodyBytes < 0:
		return c.vendorErr(configError("max error body bytes must not be negative"))
	}

	for _, r := range c.CallTypes {
		if strings.TrimSpace(r.Name) == "" {
			return c.vendorErr(configError("call type rule without a name"))
		}
		if r.Budget.Requests < 0 || (r.Budget.enabled() && r.Budget.Window <= 0) {
			return c.vendorErr(configError("call type %q: invalid budget", r.Name))
		}
	}
	return nil
}

func (c ClientConfig) validateAuth() *Error {
	cred := strings.TrimSpace(c.Credential)
	switch c.Auth.Type {
	case AuthBearer, "":
		if cred == "" {
			return configError("credential is required")
		}
	case AuthHeader:
		if cred == "" {
			return configError("credential is required")
		}
		if strings.TrimSpace(c.Auth.Header) == "" {
			return configError("header auth requires a header name")
		}
	case AuthBasic:
		if cred == "" {
			return configError("credential is required")
		}
	case AuthQuery:
		if cred == "" {
			return configError("credential is required")
		}
		if strings.TrimSpace(c.Auth.Param) == "" {
			return configError("query auth requires a parameter name")
		}
	case AuthTokenSource:
		if c.Auth.TokenSource == nil {
			return configError("token source auth requires a token source")
		}
	case AuthJWT:
		if c.Auth.JWT == nil {
			return configError("jwt auth requires jwt settings")
		}
		if cred == "" && c.Auth.JWT.Key == nil {
			return configError("credential is required")
		}
	default:
		return configError("unknown auth type %q", c.Auth.Type)
	}
	return nil
}

func (c ClientConfig) vendorErr(e *Error) *Error {
	e.Vendor = c.Vendor
	return e
}

// envClientConfig is the flat environment contract read by LoadConfigFromEnv.
type envClientConfig struct {
	Vendor       string        `envconfig:"VENDOR"`
	BaseURL      string        `envconfig:"BASE_URL" required:"true"`
	Credential   string        `envconfig:"CREDENTIAL"`
	AuthType     string        `envconfig:"AUTH_TYPE" default:"bearer"`
	AuthScheme   string        `envconfig:"AUTH_SCHEME"`
	AuthHeader   string        `envconfig:"AUTH_HEADER"`
	AuthParam    string        `envconfig:"AUTH_PARAM"`
	AuthUsername string        `envconfig:"AUTH_USERNAME"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"30s"`

	MinInterval       time.Duration `envconfig:"MIN_INTERVAL"`
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	UseVendorLimits   bool          `envconfig:"USE_VENDOR_LIMITS" default:"true"`

	MaxRetries    int           `envconfig:"MAX_RETRIES" default:"3"`
	BaseBackoff   time.Duration `envconfig:"BASE_BACKOFF" default:"1s"`
	MaxBackoff    time.Duration `envconfig:"MAX_BACKOFF" default:"30s"`
	MaxRetryAfter time.Duration `envconfig:"MAX_RETRY_AFTER"`
	UserAgent     string        `envconfig:"USER_AGENT"`
}

// LoadConfigFromEnv builds a ClientConfig from <PREFIX>_* environment
// variables, e.g. DOPPLER_BASE_URL and DOPPLER_CREDENTIAL for prefix
// "DOPPLER". The result is not validated; New does that.
func LoadConfigFromEnv(prefix string) (ClientConfig, error) {
	var env envClientConfig
	if err := envconfig.Process(prefix, &env); err != nil {
		return ClientConfig{}, &Error{Kind: KindConfig, Message: fmt.Sprintf("load %s environment", prefix), Cause: err}
	}

	cfg := DefaultClientConfig()
	cfg.Vendor = env.Vendor
	if cfg.Vendor == "" {
		cfg.Vendor = strings.ToLower(prefix)
	}
	cfg.BaseURL = env.BaseURL
	cfg.Credential = env.Credential
	cfg.Auth = AuthConfig{
		Type:     AuthType(strings.ToLower(env.AuthType)),
		Scheme:   env.AuthScheme,
		Header:   env.AuthHeader,
		Param:    env.AuthParam,
		Username: env.AuthUsername,
	}
	cfg.Timeout = env.Timeout
	cfg.MinInterval = env.MinInterval
	if env.RateLimitRequests > 0 {
		cfg.RateLimit = RateBudget{Requests: env.RateLimitRequests, Window: env.RateLimitWindow}
	}
	cfg.UseVendorLimits = env.UseVendorLimits
	cfg.MaxRetries = env.MaxRetries
	cfg.BaseBackoff = env.BaseBackoff
	cfg.MaxBackoff = env.MaxBackoff
	cfg.MaxRetryAfter = env.MaxRetryAfter
	if env.UserAgent != "" {
		cfg.UserAgent = env.UserAgent
	}
	return cfg, nil
}
