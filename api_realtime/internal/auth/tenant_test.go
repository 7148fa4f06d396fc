package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatrelay/api_realtime/internal/config"
	"chatrelay/pkg/clients"
	"chatrelay/pkg/testutil"
)

func fastExecutorConfig() clients.HTTPExecutorConfig {
	cfg := clients.DefaultHTTPExecutorConfig("directory")
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func newHMACTenant(t *testing.T, cfg config.TenantConfig) *JWTTenant {
	t.Helper()
	tenant, err := NewJWTTenant(cfg, nil, fastExecutorConfig())
	if err != nil {
		t.Fatalf("NewJWTTenant: %v", err)
	}
	return tenant
}

func TestJWTTenantHMAC(t *testing.T) {
	h := testutil.NewJWTTestHelperWithSecret([]byte("tenant-one"))
	h.Issuer = "https://idp.one"
	h.Audience = "chat"
	tenant := newHMACTenant(t, config.TenantConfig{Name: "one", JWTSecret: "tenant-one", Issuer: "https://idp.one", Audience: "chat"})

	tok, _ := h.GenerateToken("sub-1")
	subject, err := tenant.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if subject != "sub-1" {
		t.Fatalf("expected sub-1, got %s", subject)
	}
}

func TestJWTTenantRejects(t *testing.T) {
	h := testutil.NewJWTTestHelperWithSecret([]byte("tenant-one"))
	h.Issuer = "https://idp.one"
	tenant := newHMACTenant(t, config.TenantConfig{Name: "one", JWTSecret: "tenant-one", Issuer: "https://idp.one"})

	expired, _ := h.GenerateExpiredToken("sub")
	wrong, _ := h.GenerateTokenWithWrongSecret("sub")
	none, _ := h.GenerateTokenWithNoneAlgorithm("sub")
	noSubject, _ := h.GenerateToken("")

	other := testutil.NewJWTTestHelperWithSecret([]byte("tenant-one"))
	other.Issuer = "https://someone.else"
	wrongIssuer, _ := other.GenerateToken("sub")

	tests := map[string]string{
		"expired":      expired,
		"wrong secret": wrong,
		"none alg":     none,
		"malformed":    h.GenerateMalformedToken(),
		"no subject":   noSubject,
		"wrong issuer": wrongIssuer,
	}
	for name, tok := range tests {
		if _, err := tenant.Verify(context.Background(), tok); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestJWTTenantRSA(t *testing.T) {
	kp, err := testutil.NewRSAKeyPair()
	if err != nil {
		t.Fatalf("NewRSAKeyPair: %v", err)
	}
	tenant, err := NewJWTTenant(config.TenantConfig{Name: "rsa", JWTPublicKey: kp.PublicPEM}, nil, fastExecutorConfig())
	if err != nil {
		t.Fatalf("NewJWTTenant: %v", err)
	}

	tok, _ := kp.GenerateToken("rsa-sub", "")
	if subject, err := tenant.Verify(context.Background(), tok); err != nil || subject != "rsa-sub" {
		t.Fatalf("expected rsa-sub, got %q (%v)", subject, err)
	}

	// An HMAC token signed with the PEM text as secret must not verify.
	hs := testutil.NewJWTTestHelperWithSecret([]byte(kp.PublicPEM))
	confused, _ := hs.GenerateToken("attacker")
	if _, err := tenant.Verify(context.Background(), confused); err == nil {
		t.Fatal("expected algorithm confusion to be rejected")
	}
}

func TestJWTTenantECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	tenant, err := NewJWTTenant(config.TenantConfig{Name: "ec", JWTPublicKey: pemKey}, nil, fastExecutorConfig())
	if err != nil {
		t.Fatalf("NewJWTTenant: %v", err)
	}

	claims := jwt.RegisteredClaims{Subject: "ec-sub", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if subject, err := tenant.Verify(context.Background(), tok); err != nil || subject != "ec-sub" {
		t.Fatalf("expected ec-sub, got %q (%v)", subject, err)
	}
}

func TestNewJWTTenantConfigErrors(t *testing.T) {
	cases := []config.TenantConfig{
		{Name: "none"},
		{Name: "both", JWTSecret: "x", JWTPublicKey: "y"},
		{Name: "garbage", JWTPublicKey: "not a pem"},
	}
	for _, cfg := range cases {
		if _, err := NewJWTTenant(cfg, nil, fastExecutorConfig()); err == nil {
			t.Fatalf("%s: expected error", cfg.Name)
		}
	}
}

func TestJWTTenantDirectoryLookup(t *testing.T) {
	var calls int32
	dir := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer dir-token" {
			t.Errorf("missing directory bearer")
		}
		switch r.URL.Path {
		case "/users/active":
			_, _ = w.Write([]byte(`{"id":"active","status":"active"}`))
		case "/users/banned":
			_, _ = w.Write([]byte(`{"id":"banned","banned":true}`))
		case "/users/suspended":
			_, _ = w.Write([]byte(`{"id":"suspended","status":"SUSPENDED"}`))
		case "/users/flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer dir.Close()

	h := testutil.NewJWTTestHelperWithSecret([]byte("s"))
	tenant := newHMACTenant(t, config.TenantConfig{Name: "dir", JWTSecret: "s", DirectoryURL: dir.URL, DirectoryToken: "dir-token"})

	tok, _ := h.GenerateToken("active")
	if _, err := tenant.Verify(context.Background(), tok); err != nil {
		t.Fatalf("active subject rejected: %v", err)
	}

	for _, sub := range []string{"banned", "suspended", "deleted"} {
		tok, _ := h.GenerateToken(sub)
		if _, err := tenant.Verify(context.Background(), tok); !errors.Is(err, ErrSubjectInactive) {
			t.Fatalf("%s: expected ErrSubjectInactive, got %v", sub, err)
		}
	}

	before := atomic.LoadInt32(&calls)
	tok, _ = h.GenerateToken("flaky")
	if _, err := tenant.Verify(context.Background(), tok); err == nil || errors.Is(err, ErrSubjectInactive) {
		t.Fatalf("expected directory error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls) - before; got != 3 {
		t.Fatalf("expected 3 directory attempts, got %d", got)
	}
}
