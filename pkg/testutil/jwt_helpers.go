package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTTestHelper mints identity-provider tokens for one tenant.
type JWTTestHelper struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// NewJWTTestHelperWithSecret creates a new JWT test helper with a custom secret
func NewJWTTestHelperWithSecret(secret []byte) *JWTTestHelper {
	return &JWTTestHelper{
		Secret: secret,
	}
}

func (h *JWTTestHelper) claims(subject string, expiresAt time.Time) jwt.RegisteredClaims {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    h.Issuer,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	if h.Audience != "" {
		claims.Audience = jwt.ClaimStrings{h.Audience}
	}
	return claims
}

// GenerateToken signs an HS256 token for subject, valid for an hour.
func (h *JWTTestHelper) GenerateToken(subject string) (string, error) {
	return h.GenerateTokenWithExpiry(subject, time.Now().Add(time.Hour))
}

// GenerateTokenWithExpiry signs an HS256 token with a custom expiry.
func (h *JWTTestHelper) GenerateTokenWithExpiry(subject string, expiresAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, h.claims(subject, expiresAt))
	return token.SignedString(h.Secret)
}

// GenerateExpiredToken generates a token that expired an hour ago.
func (h *JWTTestHelper) GenerateExpiredToken(subject string) (string, error) {
	return h.GenerateTokenWithExpiry(subject, time.Now().Add(-1*time.Hour))
}

// GenerateTokenWithWrongSecret generates a JWT with wrong secret for testing
func (h *JWTTestHelper) GenerateTokenWithWrongSecret(subject string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, h.claims(subject, time.Now().Add(time.Hour)))
	return token.SignedString([]byte("wrong-secret"))
}

// GenerateTokenWithNoneAlgorithm generates an unsigned "none" token.
func (h *JWTTestHelper) GenerateTokenWithNoneAlgorithm(subject string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, h.claims(subject, time.Now().Add(time.Hour)))
	return token.SignedString(jwt.UnsafeAllowNoneSignatureType)
}

// GenerateMalformedToken returns a string that is not a JWT.
func (h *JWTTestHelper) GenerateMalformedToken() string {
	return "invalid.jwt.token.format"
}

// RSAKeyPair signs RS256 tokens and exposes the PEM public key a tenant is
// configured with.
type RSAKeyPair struct {
	Private   *rsa.PrivateKey
	PublicPEM string
}

// NewRSAKeyPair generates a 2048-bit key pair.
func NewRSAKeyPair() (*RSAKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &RSAKeyPair{Private: key, PublicPEM: string(pemBytes)}, nil
}

// GenerateToken signs an RS256 token for subject, valid for an hour.
func (k *RSAKeyPair) GenerateToken(subject, issuer string) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(k.Private)
}
