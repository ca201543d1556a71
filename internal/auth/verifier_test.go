package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipmarket/clipmarket-api-go/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://auth.clipmarket.test"
	testAudience = "clipmarket-api"
	testSecret   = "unit-test-secret"
)

func signHS(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func baseClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestVerifySharedSecret(t *testing.T) {
	v, err := NewVerifier(Options{Issuer: testIssuer, Audience: testAudience, Secret: testSecret})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		claims  func() jwt.MapClaims
		wantErr error
		want    Principal
	}{
		{
			name:   "valid user",
			claims: func() jwt.MapClaims { return baseClaims("user-1") },
			want:   Principal{UserID: "user-1", Role: model.RoleUser},
		},
		{
			name: "admin via app_metadata",
			claims: func() jwt.MapClaims {
				c := baseClaims("admin-1")
				c["app_metadata"] = map[string]interface{}{"role": "admin"}
				return c
			},
			want: Principal{UserID: "admin-1", Role: model.RoleAdmin},
		},
		{
			name: "authenticated role is not admin",
			claims: func() jwt.MapClaims {
				c := baseClaims("user-2")
				c["role"] = "authenticated"
				return c
			},
			want: Principal{UserID: "user-2", Role: model.RoleUser},
		},
		{
			name: "expired",
			claims: func() jwt.MapClaims {
				c := baseClaims("user-1")
				c["exp"] = time.Now().Add(-time.Hour).Unix()
				return c
			},
			wantErr: ErrExpired,
		},
		{
			name: "wrong audience",
			claims: func() jwt.MapClaims {
				c := baseClaims("user-1")
				c["aud"] = "someone-else"
				return c
			},
			wantErr: ErrInvalid,
		},
		{
			name: "missing sub",
			claims: func() jwt.MapClaims {
				c := baseClaims("")
				delete(c, "sub")
				return c
			},
			wantErr: ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(context.Background(), signHS(t, tt.claims()))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Verify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestVerifyMalformed(t *testing.T) {
	v, _ := NewVerifier(Options{Secret: testSecret})
	if _, err := v.Verify(context.Background(), "not-a-jwt"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Verify() error = %v, want ErrMalformed", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v, _ := NewVerifier(Options{Secret: "other-secret"})
	if _, err := v.Verify(context.Background(), signHS(t, baseClaims("user-1"))); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify() error = %v, want ErrInvalid", err)
	}
}

func TestVerifyJWKS(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Kid: "key-1", Use: "sig", Alg: "EdDSA", Crv: "Ed25519",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	defer srv.Close()

	v, err := NewVerifier(Options{Issuer: testIssuer, Audience: testAudience, JWKSURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}

	sign := func(kid string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, baseClaims("user-9"))
		tok.Header["kid"] = kid
		s, err := tok.SignedString(priv)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	for i := 0; i < 3; i++ {
		p, err := v.Verify(context.Background(), sign("key-1"))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if p.UserID != "user-9" {
			t.Errorf("UserID = %q, want user-9", p.UserID)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("JWKS fetches = %d, want 1 (cached)", got)
	}

	if _, err := v.Verify(context.Background(), sign("unknown")); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify(unknown kid) error = %v, want ErrInvalid", err)
	}

	// HS256 is not accepted when only JWKS is configured
	if _, err := v.Verify(context.Background(), signHS(t, baseClaims("user-9"))); !errors.Is(err, ErrInvalid) {
		t.Errorf("Verify(HS256) error = %v, want ErrInvalid", err)
	}
}

func TestNewVerifierRequiresKeySource(t *testing.T) {
	if _, err := NewVerifier(Options{Issuer: testIssuer}); err == nil {
		t.Error("NewVerifier() without key source should fail")
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext(empty) ok = true")
	}
	ctx := WithPrincipal(context.Background(), Principal{UserID: "u1", Role: model.RoleAdmin})
	p, ok := FromContext(ctx)
	if !ok || p.UserID != "u1" || !p.IsAdmin() {
		t.Errorf("FromContext() = %+v, %v", p, ok)
	}
}
