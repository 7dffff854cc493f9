// bridge.go
// ---------
// Bridge is the registry of vendor clients. A vendor is registered either
// as a ready Client or as a catalog descriptor plus credential; catalog
// vendors can then be called by operation name.
//
//	b := vendorbridge.NewBridge(vendorbridge.WithLogger(log))
//	reg, _ := catalog.Builtin()
//	doppler, _ := reg.Lookup("doppler")
//	_, _ = b.RegisterVendor(doppler, os.Getenv("DOPPLER_TOKEN"))
//	resp, err := b.Call(ctx, "doppler", "list_projects", map[string]string{"per_page": "20"}, nil)
package vendorbridge

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/opengovern/vendor-bridge/catalog"
)

type Bridge struct {
	mu      sync.RWMutex
	clients map[string]*Client
	vendors map[string]catalog.Vendor

	// opts are applied to every client built by RegisterVendor.
	opts []Option
}

func NewBridge(opts ...Option) *Bridge {
	return &Bridge{
		clients: make(map[string]*Client),
		vendors: make(map[string]catalog.Vendor),
		opts:    opts,
	}
}

func bridgeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a ready client under name, replacing any previous one.
func (b *Bridge) Register(name string, c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[bridgeKey(name)] = c
}

// RegisterVendor builds a client for v and registers it under v.Name. The
// bridge options come first so opts can override them.
func (b *Bridge) RegisterVendor(v catalog.Vendor, credential string, opts ...Option) (*Client, error) {
	return b.RegisterVendorConfig(v, ConfigFromVendor(v, credential), opts...)
}

// RegisterVendorConfig is RegisterVendor with a config the caller derived
// from ConfigFromVendor and adjusted.
func (b *Bridge) RegisterVendorConfig(v catalog.Vendor, cfg ClientConfig, opts ...Option) (*Client, error) {
	if err := v.Validate(); err != nil {
		return nil, &Error{Kind: KindConfig, Vendor: v.Name, Message: "invalid vendor descriptor", Cause: err}
	}
	all := append(append([]Option(nil), b.opts...), opts...)
	c, err := New(cfg, all...)
	if err != nil {
		return nil, err
	}

	key := bridgeKey(v.Name)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[key] = c
	b.vendors[key] = v
	return c, nil
}

func (b *Bridge) Client(name string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[bridgeKey(name)]
	return c, ok
}

// Vendors returns the registered vendor names, sorted.
func (b *Bridge) Vendors() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.clients))
	for n := range b.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call runs a catalog operation of a vendor registered with RegisterVendor.
// Parameters fill the path placeholders; the rest go to the query string.
func (b *Bridge) Call(ctx context.Context, vendor, operation string, params map[string]string, body any) (*Response, error) {
	key := bridgeKey(vendor)
	b.mu.RLock()
	c, ok := b.clients[key]
	desc, hasDesc := b.vendors[key]
	b.mu.RUnlock()
	if !ok {
		return nil, invalidRequest(vendor, "vendor %q not registered", vendor)
	}
	if !hasDesc {
		return nil, invalidRequest(vendor, "vendor %q has no operation catalog", vendor)
	}
	op, ok := desc.Operation(operation)
	if !ok {
		return nil, invalidRequest(vendor, "unknown operation %q", operation)
	}

	method, path, query, err := op.Render(params)
	if err != nil {
		e := invalidRequest(vendor, "operation %s", operation)
		e.Cause = err
		return nil, e
	}

	c.log.Debug().Str("operation", operation).Str("path", path).Msg("calling catalog operation")
	return c.Do(ctx, &Request{
		Method:   method,
		Path:     path,
		Query:    query,
		Body:     body,
		CallType: op.CallType,
	})
}

// RateLimitInfo returns what vendor last reported for callType.
func (b *Bridge) RateLimitInfo(vendor, callType string) *RateLimitInfo {
	c, ok := b.Client(vendor)
	if !ok {
		return nil
	}
	return c.RateLimitInfo(callType)
}

// ConfigFromVendor turns a catalog descriptor into a ClientConfig with the
// package defaults for everything the descriptor does not say.
func ConfigFromVendor(v catalog.Vendor, credential string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Vendor = bridgeKey(v.Name)
	cfg.BaseURL = v.BaseURL
	cfg.Credential = credential
	cfg.Auth = AuthConfig{
		Type:     AuthType(strings.ToLower(v.Auth.Type)),
		Scheme:   v.Auth.Scheme,
		Header:   v.Auth.Header,
		Param:    v.Auth.Param,
		Username: v.Auth.Username,
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = AuthBearer
	}

	cfg.MinInterval = v.MinInterval
	if v.RateLimit != nil {
		cfg.RateLimit = RateBudget{Requests: v.RateLimit.Requests, Window: v.RateLimit.Window}
	}
	for _, ct := range v.CallTypes {
		cfg.CallTypes = append(cfg.CallTypes, CallTypeRule{
			Name:         ct.Name,
			Methods:      append([]string(nil), ct.Methods...),
			PathPrefix:   ct.PathPrefix,
			PathContains: ct.PathContains,
			Budget:       RateBudget{Requests: ct.Requests, Window: ct.Window},
		})
	}

	cfg.UseVendorLimits = v.VendorLimits()
	if h := v.RateLimitHeaders; h != nil {
		cfg.RateLimitHeaders = RateLimitHeaders{
			Limit:       h.Limit,
			Remaining:   h.Remaining,
			Reset:       h.Reset,
			ResetFormat: h.ResetFormat,
		}
	}
	return cfg
}
