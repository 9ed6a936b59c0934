package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret []byte, claims map[string]any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims)).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestTokenVerifier_Verify(t *testing.T) {
	secret := []byte("secret")
	v := NewTokenVerifier(VerifierConfig{Issuer: "supabase", Audience: "authenticated"}, NewStaticKeyProvider(secret))
	valid := map[string]any{
		"sub":  "u1",
		"role": "authenticated",
		"iss":  "supabase",
		"aud":  "authenticated",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	}
	with := func(k string, val any) map[string]any {
		out := map[string]any{}
		for key, v := range valid {
			out[key] = v
		}
		out[k] = val
		return out
	}

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"valid", signHS256(t, secret, valid), nil},
		{"expired", signHS256(t, secret, with("exp", time.Now().Add(-time.Hour).Unix())), ErrTokenExpired},
		{"wrong issuer", signHS256(t, secret, with("iss", "other")), ErrInvalidCredentials},
		{"wrong audience", signHS256(t, secret, with("aud", "anon")), ErrInvalidCredentials},
		{"wrong secret", signHS256(t, []byte("other"), valid), ErrInvalidCredentials},
		{"malformed", "not.a.jwt", ErrTokenMalformed},
		{"empty", "", ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(context.Background(), tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.want)
			}
			if tt.want == nil && (claims.Subject != "u1" || claims.Role != "authenticated") {
				t.Errorf("claims = %+v", claims)
			}
		})
	}
}

func TestParseUnverified(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signHS256(t, []byte("whatever"), map[string]any{
		"sub":           "u1",
		"email":         "a@example.com",
		"exp":           exp.Unix(),
		"user_metadata": map[string]any{"username": "ada"},
	})

	claims, err := ParseUnverified(token)
	if err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt, exp)
	}
	u := claims.User()
	if u.ID != "u1" || u.Email != "a@example.com" || u.Metadata["username"] != "ada" {
		t.Errorf("User() = %+v", u)
	}

	if _, err := ParseUnverified("garbage"); !errors.Is(err, ErrTokenMalformed) {
		t.Errorf("ParseUnverified(garbage) error = %v, want ErrTokenMalformed", err)
	}
}

func rsaJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kty": "RSA",
		"kid": kid,
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kty": "EC",
		"kid": kid,
		"alg": "ES256",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
}

func jwksServer(t *testing.T, keys ...map[string]any) (*httptest.Server, *atomic.Int32, *atomic.Bool) {
	t.Helper()
	var hits atomic.Int32
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if failing.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &failing
}

func TestJWKSKeyProvider_VerifiesRSAAndEC(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	srv, hits, _ := jwksServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey), ecJWK("ec-1", &ecKey.PublicKey))

	v := NewTokenVerifier(VerifierConfig{}, NewJWKSKeyProvider(JWKSConfig{URL: srv.URL}))
	claims := jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}

	sign := func(method jwt.SigningMethod, kid string, key any) string {
		tok := jwt.NewWithClaims(method, claims)
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign %s: %v", kid, err)
		}
		return s
	}

	for _, token := range []string{
		sign(jwt.SigningMethodRS256, "rsa-1", rsaKey),
		sign(jwt.SigningMethodES256, "ec-1", ecKey),
	} {
		got, err := v.Verify(context.Background(), token)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if got.Subject != "u1" {
			t.Errorf("Subject = %q, want u1", got.Subject)
		}
	}

	if hits.Load() != 1 {
		t.Errorf("JWKS fetches = %d, want 1", hits.Load())
	}
}

func TestJWKSKeyProvider_UnknownKid(t *testing.T) {
	rsaKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv, _, _ := jwksServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey))

	p := NewJWKSKeyProvider(JWKSConfig{URL: srv.URL})
	if _, err := p.GetKey(context.Background(), "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("GetKey() error = %v, want ErrKeyNotFound", err)
	}
}

func TestJWKSKeyProvider_ServesLastGoodKeys(t *testing.T) {
	rsaKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv, _, failing := jwksServer(t, rsaJWK("rsa-1", &rsaKey.PublicKey))

	p := NewJWKSKeyProvider(JWKSConfig{URL: srv.URL, CacheTTL: time.Millisecond})
	if _, err := p.GetKey(context.Background(), "rsa-1"); err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}

	failing.Store(true)
	time.Sleep(5 * time.Millisecond)

	key, err := p.GetKey(context.Background(), "rsa-1")
	if err != nil {
		t.Fatalf("GetKey() during outage error = %v", err)
	}
	if _, ok := key.(*rsa.PublicKey); !ok {
		t.Errorf("GetKey() = %T, want *rsa.PublicKey", key)
	}
}

func TestJWKSKeyProvider_SkipsBadKeys(t *testing.T) {
	srv, _, _ := jwksServer(t,
		map[string]any{"kty": "EC", "kid": "bad-curve", "crv": "P-521", "x": "AA", "y": "AA"},
		map[string]any{"kty": "oct", "kid": "symmetric"},
	)

	p := NewJWKSKeyProvider(JWKSConfig{URL: srv.URL})
	if _, err := p.GetKey(context.Background(), ""); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("GetKey() error = %v, want ErrKeyNotFound", err)
	}
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		sess Session
		want bool
	}{
		{"no expiry", Session{}, false},
		{"future", Session{ExpiresAt: now.Add(time.Minute)}, false},
		{"past", Session{ExpiresAt: now.Add(-time.Minute)}, true},
		{"exactly now", Session{ExpiresAt: now}, true},
	}
	for _, tt := range tests {
		if got := tt.sess.Expired(now); got != tt.want {
			t.Errorf("%s: Expired() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestUserContext(t *testing.T) {
	ctx := context.Background()
	if UserFromContext(ctx) != nil || UserIDFromContext(ctx) != "" {
		t.Fatal("empty context carried a user")
	}

	ctx = WithUser(ctx, &User{ID: "u1"})
	if UserIDFromContext(ctx) != "u1" {
		t.Errorf("UserIDFromContext() = %q, want u1", UserIDFromContext(ctx))
	}
}
