// auth_jwt.go
// -----------
// JWT auth for vendors that want a short-lived signed token instead of the
// raw key (admin APIs, app installations, client assertions). Tokens are
// cached until shortly before they expire.
package vendorbridge

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/pkcs12"
)

const (
	defaultJWTTTL = 5 * time.Minute
	jwtRefreshGap = 30 * time.Second
)

// JWTConfig describes the claims and key used by JWTAuth.
type JWTConfig struct {
	// Method is HS256 (default) or RS256.
	Method   string
	Issuer   string
	Subject  string
	Audience string
	KeyID    string
	TTL      time.Duration

	// Key overrides the credential: []byte for HS256, *rsa.PrivateKey for RS256.
	Key any
}

type JWTAuth struct {
	method jwt.SigningMethod
	key    any
	cfg    JWTConfig
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTAuth prepares a signer. For HS256 the credential is the shared
// secret; for RS256 it is a PEM encoded RSA private key unless cfg.Key is set.
func NewJWTAuth(cfg JWTConfig, credential string) (*JWTAuth, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultJWTTTL
	}
	a := &JWTAuth{cfg: cfg, now: time.Now}

	switch strings.ToUpper(strings.TrimSpace(cfg.Method)) {
	case "", "HS256":
		a.method = jwt.SigningMethodHS256
		switch k := cfg.Key.(type) {
		case nil:
			if credential == "" {
				return nil, errors.New("hs256 requires a secret")
			}
			a.key = []byte(credential)
		case []byte:
			a.key = k
		default:
			return nil, fmt.Errorf("hs256 key must be []byte, got %T", cfg.Key)
		}
	case "RS256":
		a.method = jwt.SigningMethodRS256
		switch k := cfg.Key.(type) {
		case nil:
			key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(credential))
			if err != nil {
				return nil, fmt.Errorf("parse rsa private key: %w", err)
			}
			a.key = key
		case *rsa.PrivateKey:
			a.key = k
		default:
			return nil, fmt.Errorf("rs256 key must be *rsa.PrivateKey, got %T", cfg.Key)
		}
	default:
		return nil, fmt.Errorf("unsupported jwt signing method %q", cfg.Method)
	}
	return a, nil
}

func (a *JWTAuth) Apply(req *http.Request) error {
	tok, err := a.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Token returns the cached token, signing a new one when the cached one is
// about to expire.
func (a *JWTAuth) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.token != "" && now.Add(jwtRefreshGap).Before(a.expires) {
		return a.token, nil
	}

	exp := now.Add(a.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    a.cfg.Issuer,
		Subject:   a.cfg.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	if a.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{a.cfg.Audience}
	}

	t := jwt.NewWithClaims(a.method, claims)
	if a.cfg.KeyID != "" {
		t.Header["kid"] = a.cfg.KeyID
	}
	signed, err := t.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	a.token = signed
	a.expires = exp
	return signed, nil
}

// LoadPKCS12Key extracts the RSA private key from a PFX/PKCS#12 bundle, for
// use as JWTConfig.Key with RS256.
func LoadPKCS12Key(pfxData []byte, password string) (*rsa.PrivateKey, error) {
	privateKey, _, err := pkcs12.Decode(pfxData, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pkcs12: %w", err)
	}
	rsaKey, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}
