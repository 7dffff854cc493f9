// Package catalog holds declarative vendor descriptors: where a vendor's API
// lives, how it authenticates, how fast it may be called and which named
// operations it offers. Descriptors are YAML documents; a set of them ships
// embedded (see Builtin).
package catalog

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingParam is returned by Operation.Render when a required parameter
// or a path placeholder has no value.
var ErrMissingParam = errors.New("missing required parameter")

type Vendor struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	BaseURL     string `yaml:"base_url"`
	Auth        Auth   `yaml:"auth"`

	// At most one of MinInterval and RateLimit.
	MinInterval time.Duration `yaml:"min_interval,omitempty"`
	RateLimit   *Budget       `yaml:"rate_limit,omitempty"`

	RateLimitHeaders *Headers `yaml:"rate_limit_headers,omitempty"`
	// UseVendorLimits defaults to true when rate limit headers are declared.
	UseVendorLimits *bool `yaml:"use_vendor_limits,omitempty"`

	CallTypes  []CallType           `yaml:"call_types,omitempty"`
	Operations map[string]Operation `yaml:"operations,omitempty"`
}

type Auth struct {
	Type     string `yaml:"type"`
	Scheme   string `yaml:"scheme,omitempty"`
	Header   string `yaml:"header,omitempty"`
	Param    string `yaml:"param,omitempty"`
	Username string `yaml:"username,omitempty"`
}

// Budget allows Requests per Window.
type Budget struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type Headers struct {
	Limit       string `yaml:"limit,omitempty"`
	Remaining   string `yaml:"remaining,omitempty"`
	Reset       string `yaml:"reset,omitempty"`
	ResetFormat string `yaml:"reset_format,omitempty"`
}

// CallType routes matching requests to their own budget.
type CallType struct {
	Name         string        `yaml:"name"`
	Methods      []string      `yaml:"methods,omitempty"`
	PathPrefix   string        `yaml:"path_prefix,omitempty"`
	PathContains string        `yaml:"path_contains,omitempty"`
	Requests     int           `yaml:"requests,omitempty"`
	Window       time.Duration `yaml:"window,omitempty"`
}

// Operation is one named endpoint. Path may contain {name} placeholders.
type Operation struct {
	Method      string   `yaml:"method"`
	Path        string   `yaml:"path"`
	Description string   `yaml:"description,omitempty"`
	Required    []string `yaml:"required,omitempty"`
	Query       []string `yaml:"query,omitempty"`
	CallType    string   `yaml:"call_type,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Placeholders lists the {name} placeholders of the path in order.
func (o Operation) Placeholders() []string {
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(o.Path, -1) {
		out = append(out, m[1])
	}
	return out
}

// Render fills the path placeholders from params (path escaped) and puts
// every other non-empty param in the query string. Required params and
// placeholders without a value fail with ErrMissingParam.
func (o Operation) Render(params map[string]string) (method, p string, query url.Values, err error) {
	for _, name := range o.Required {
		if strings.TrimSpace(params[name]) == "" {
			return "", "", nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
	}

	used := make(map[string]bool)
	var missing string
	p = placeholderRe.ReplaceAllStringFunc(o.Path, func(m string) string {
		name := m[1 : len(m)-1]
		v := params[name]
		if v == "" && missing == "" {
			missing = name
		}
		used[name] = true
		return url.PathEscape(v)
	})
	if missing != "" {
		return "", "", nil, fmt.Errorf("%w: %s", ErrMissingParam, missing)
	}

	query = url.Values{}
	for k, v := range params {
		if used[k] || v == "" {
			continue
		}
		query.Set(k, v)
	}
	return strings.ToUpper(o.Method), p, query, nil
}

// Operation looks up an operation by name.
func (v Vendor) Operation(name string) (Operation, bool) {
	op, ok := v.Operations[name]
	return op, ok
}

// OperationNames returns the operation names sorted.
func (v Vendor) OperationNames() []string {
	names := make([]string, 0, len(v.Operations))
	for n := range v.Operations {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// VendorLimits reports whether vendor reported limits should be honoured.
func (v Vendor) VendorLimits() bool {
	if v.UseVendorLimits != nil {
		return *v.UseVendorLimits
	}
	return v.RateLimitHeaders != nil
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

func (v Vendor) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return errors.New("vendor without a name")
	}
	if strings.TrimSpace(v.BaseURL) == "" {
		return fmt.Errorf("vendor %s: base_url is required", v.Name)
	}
	if u, err := url.Parse(v.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("vendor %s: base_url must be an absolute url", v.Name)
	}
	if v.MinInterval < 0 {
		return fmt.Errorf("vendor %s: min_interval must not be negative", v.Name)
	}
	if v.RateLimit != nil {
		if v.MinInterval > 0 {
			return fmt.Errorf("vendor %s: min_interval and rate_limit are mutually exclusive", v.Name)
		}
		if v.RateLimit.Requests <= 0 || v.RateLimit.Window <= 0 {
			return fmt.Errorf("vendor %s: rate_limit needs positive requests and window", v.Name)
		}
	}
	seen := make(map[string]bool)
	for _, ct := range v.CallTypes {
		if ct.Name == "" {
			return fmt.Errorf("vendor %s: call type without a name", v.Name)
		}
		if seen[ct.Name] {
			return fmt.Errorf("vendor %s: duplicate call type %q", v.Name, ct.Name)
		}
		seen[ct.Name] = true
		if ct.Requests < 0 || (ct.Requests > 0 && ct.Window <= 0) {
			return fmt.Errorf("vendor %s: call type %q: invalid budget", v.Name, ct.Name)
		}
	}
	for name, op := range v.Operations {
		if !validMethods[strings.ToUpper(op.Method)] {
			return fmt.Errorf("vendor %s: operation %s: unsupported method %q", v.Name, name, op.Method)
		}
		if !strings.HasPrefix(op.Path, "/") {
			return fmt.Errorf("vendor %s: operation %s: path must start with /", v.Name, name)
		}
	}
	return nil
}

// Registry is a set of vendors keyed by lower case name.
type Registry struct {
	mu      sync.RWMutex
	vendors map[string]Vendor
}

func NewRegistry(vendors ...Vendor) (*Registry, error) {
	r := &Registry{vendors: make(map[string]Vendor)}
	for _, v := range vendors {
		if err := r.Add(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add validates v and stores it, replacing a vendor of the same name.
func (r *Registry) Add(v Vendor) error {
	if err := v.Validate(); err != nil {
		return err
	}
	v.Name = strings.ToLower(strings.TrimSpace(v.Name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendors[v.Name] = v
	return nil
}

// Merge adds every vendor of other, overriding vendors of the same name.
func (r *Registry) Merge(other *Registry) {
	if other == nil {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range other.vendors {
		r.vendors[k] = v
	}
}

func (r *Registry) Lookup(name string) (Vendor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vendors[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.vendors))
	for n := range r.vendors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vendors)
}

// Load reads one or more YAML documents, one vendor each.
func Load(in io.Reader) (*Registry, error) {
	r, _ := NewRegistry()
	dec := yaml.NewDecoder(in)
	dec.KnownFields(true)
	for i := 0; ; i++ {
		var v Vendor
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode vendor document %d: %w", i, err)
		}
		if err := r.Add(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func LoadFile(name string) (*Registry, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	r, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return r, nil
}

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtin returns the embedded vendor descriptors.
func Builtin() (*Registry, error) {
	r, _ := NewRegistry()
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := builtinFS.ReadFile(path.Join("builtin", e.Name()))
		if err != nil {
			return nil, err
		}
		sub, err := Load(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("builtin %s: %w", e.Name(), err)
		}
		r.Merge(sub)
	}
	return r, nil
}
