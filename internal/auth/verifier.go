// Package auth validates bearer tokens and carries the authenticated principal
// through request contexts. Tokens are signed either with an Ed25519 key
// published in a JWKS document or with a shared HS256 secret.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. Callers map them onto error codes.
var (
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("invalid token")
)

// Principal is the authenticated caller of a workflow operation.
type Principal struct {
	UserID string
	Role   model.Role
}

// IsAdmin reports whether the token itself carries the admin role.
func (p Principal) IsAdmin() bool {
	return p.Role == model.RoleAdmin
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored on ctx.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // X coordinate
}

// Options configures a Verifier. At least one of JWKSURL or Secret must be set.
type Options struct {
	Issuer   string
	Audience string
	JWKSURL  string
	Secret   string        // HS256 shared secret
	CacheTTL time.Duration // JWKS cache lifetime, default 5 minutes
}

// Verifier validates tokens against the configured issuer and audience.
type Verifier struct {
	issuer     string
	audience   string
	jwksURL    string
	secret     []byte
	cacheTTL   time.Duration
	httpClient *http.Client

	mu        sync.RWMutex
	jwks      *JWKS
	expiresAt time.Time
}

// NewVerifier builds a Verifier from opts.
func NewVerifier(opts Options) (*Verifier, error) {
	if opts.JWKSURL == "" && opts.Secret == "" {
		return nil, fmt.Errorf("auth: either a JWKS URL or a shared secret is required")
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Verifier{
		issuer:   opts.Issuer,
		audience: opts.Audience,
		jwksURL:  opts.JWKSURL,
		secret:   []byte(opts.Secret),
		cacheTTL: ttl,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Verify checks the token signature and registered claims and returns the principal.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (Principal, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods()),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.keyFor(ctx, token)
	}, parserOpts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Principal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return Principal{}, ErrExpired
		default:
			return Principal{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing sub claim", ErrInvalid)
	}
	return Principal{UserID: sub, Role: roleFromClaims(claims)}, nil
}

func (v *Verifier) methods() []string {
	var m []string
	if v.jwksURL != "" {
		m = append(m, jwt.SigningMethodEdDSA.Alg())
	}
	if len(v.secret) > 0 {
		m = append(m, jwt.SigningMethodHS256.Alg())
	}
	return m
}

// keyFor selects the verification key for token by its signing method.
func (v *Verifier) keyFor(ctx context.Context, token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return v.secret, nil
	case *jwt.SigningMethodEd25519:
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		jwk, err := v.getKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if jwk.Kty != "OKP" || jwk.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported key type %s/%s", jwk.Kty, jwk.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("failed to decode public key for kid %s", kid)
		}
		return ed25519.PublicKey(x), nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
}

// roleFromClaims reads app_metadata.role first, then a top-level role claim.
func roleFromClaims(claims jwt.MapClaims) model.Role {
	if meta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		if r, ok := meta["role"].(string); ok && r == string(model.RoleAdmin) {
			return model.RoleAdmin
		}
	}
	if r, ok := claims["role"].(string); ok && r == string(model.RoleAdmin) {
		return model.RoleAdmin
	}
	return model.RoleUser
}

// fetchJWKS fetches the JWKS document from the issuer
func (v *Verifier) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &jwks, nil
}

// getJWKS returns the cached key set, refreshing it when stale.
// forceRefresh bypasses the cache for key rotation.
func (v *Verifier) getJWKS(ctx context.Context, forceRefresh bool) (*JWKS, error) {
	if !forceRefresh {
		v.mu.RLock()
		if v.jwks != nil && time.Now().Before(v.expiresAt) {
			jwks := v.jwks
			v.mu.RUnlock()
			return jwks, nil
		}
		v.mu.RUnlock()
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock
	if !forceRefresh && v.jwks != nil && time.Now().Before(v.expiresAt) {
		return v.jwks, nil
	}

	jwks, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	v.jwks = jwks
	v.expiresAt = time.Now().Add(v.cacheTTL)
	return jwks, nil
}

// getKey finds kid in the key set, refetching once if it is unknown.
func (v *Verifier) getKey(ctx context.Context, kid string) (*JWK, error) {
	for _, refresh := range []bool{false, true} {
		jwks, err := v.getJWKS(ctx, refresh)
		if err != nil {
			return nil, err
		}
		for i := range jwks.Keys {
			if jwks.Keys[i].Kid == kid {
				return &jwks.Keys[i], nil
			}
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}
