package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"chatrelay/api_realtime/internal/config"
	"chatrelay/pkg/clients"
)

// Tenant verifies tokens issued by one identity provider.
type Tenant interface {
	Name() string
	// Verify returns the tenant-scoped subject of a valid token.
	Verify(ctx context.Context, token string) (string, error)
}

// JWTTenant verifies signed JWTs and optionally confirms the subject against
// the tenant's user directory.
type JWTTenant struct {
	name      string
	key       interface{}
	parser    *jwt.Parser
	directory *DirectoryClient
}

var (
	hmacMethods  = []string{"HS256", "HS384", "HS512"}
	rsaMethods   = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	ecdsaMethods = []string{"ES256", "ES384", "ES512"}
)

// NewJWTTenant builds a tenant from its configuration. httpClient is used for
// directory lookups and may be nil.
func NewJWTTenant(cfg config.TenantConfig, httpClient *http.Client, executorCfg clients.HTTPExecutorConfig) (*JWTTenant, error) {
	key, methods, err := signingKey(cfg)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.Name, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	t := &JWTTenant{
		name:   cfg.Name,
		key:    key,
		parser: jwt.NewParser(opts...),
	}
	if cfg.DirectoryURL != "" {
		executorCfg.Name = "directory-" + cfg.Name
		t.directory = NewDirectoryClient(cfg.DirectoryURL, cfg.DirectoryToken, httpClient, executorCfg)
	}
	return t, nil
}

func signingKey(cfg config.TenantConfig) (interface{}, []string, error) {
	switch {
	case cfg.JWTSecret != "" && cfg.JWTPublicKey != "":
		return nil, nil, errors.New("both secret and public key configured")
	case cfg.JWTSecret != "":
		return []byte(cfg.JWTSecret), hmacMethods, nil
	case cfg.JWTPublicKey != "":
		if key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKey)); err == nil {
			return key, rsaMethods, nil
		}
		if key, err := jwt.ParseECPublicKeyFromPEM([]byte(cfg.JWTPublicKey)); err == nil {
			return key, ecdsaMethods, nil
		}
		return nil, nil, errors.New("public key is neither RSA nor ECDSA PEM")
	default:
		return nil, nil, errors.New("no verification key configured")
	}
}

func (t *JWTTenant) Name() string {
	return t.name
}

func (t *JWTTenant) Verify(ctx context.Context, token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := t.parser.ParseWithClaims(token, claims, t.keyFunc)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}

	if t.directory != nil {
		active, err := t.directory.IsActive(ctx, claims.Subject)
		if err != nil {
			return "", fmt.Errorf("directory lookup: %w", err)
		}
		if !active {
			return "", ErrSubjectInactive
		}
	}
	return claims.Subject, nil
}

func (t *JWTTenant) keyFunc(token *jwt.Token) (interface{}, error) {
	// WithValidMethods already restricts alg; this guards key/alg family mismatches.
	switch t.key.(type) {
	case []byte:
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	case *rsa.PublicKey:
		_, rs := token.Method.(*jwt.SigningMethodRSA)
		_, ps := token.Method.(*jwt.SigningMethodRSAPSS)
		if !rs && !ps {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	case *ecdsa.PublicKey:
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	}
	return t.key, nil
}
