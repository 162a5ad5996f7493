package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/identity"
)

// Identity headers populated by a trusted front proxy.
const (
	// RemoteUserHeader carries the authenticated principal ID.
	RemoteUserHeader = "X-Remote-User"

	// RemoteHatsHeader carries a comma-separated list of hat IDs the
	// principal wears, as asserted by the proxy.
	RemoteHatsHeader = "X-Remote-Hats"
)

// PrincipalExtractor resolves the acting principal from an HTTP request. A
// zero-ID principal means the request is anonymous.
type PrincipalExtractor func(r *http.Request) identity.Principal

// HeaderPrincipalExtractor reads the principal from X-Remote-User and
// X-Remote-Hats. It is the default and assumes a trusted front proxy strips
// these headers from client traffic.
func HeaderPrincipalExtractor(r *http.Request) identity.Principal {
	p := identity.Principal{ID: strings.TrimSpace(r.Header.Get(RemoteUserHeader))}
	if raw := r.Header.Get(RemoteHatsHeader); raw != "" {
		for _, h := range strings.Split(raw, ",") {
			if h = strings.TrimSpace(h); h != "" {
				p.Hats = append(p.Hats, h)
			}
		}
	}
	return p
}

// JWTExtractorConfig configures the JWT-based principal extractor.
type JWTExtractorConfig struct {
	// SubjectClaim is the claim holding the principal ID. Default: "sub".
	SubjectClaim string

	// HatsClaim is the claim holding the principal's hat IDs. Supports
	// dot-notation for nested claims (e.g. "org_access.hats").
	// Default: "hats".
	HatsClaim string

	// PublicKeyPath is the path to a PEM-encoded RSA public key for RS256
	// verification. If empty, tokens are parsed but NOT verified
	// (suitable only behind a trusted proxy).
	PublicKeyPath string

	// Issuer is the expected iss claim. If empty, issuer is not validated.
	Issuer string

	// Audience is the expected aud claim. If empty, audience is not
	// validated.
	Audience string

	// Logger for debugging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewJWTPrincipalExtractor creates a PrincipalExtractor that reads the
// principal from a JWT Bearer token.
//
// Security model:
//   - If PublicKeyPath is set, tokens are cryptographically verified (RS256)
//   - If PublicKeyPath is empty, tokens are parsed without verification
//     (trusted proxy mode)
//   - Missing or invalid tokens yield an anonymous principal
func NewJWTPrincipalExtractor(cfg JWTExtractorConfig) (PrincipalExtractor, error) {
	if cfg.SubjectClaim == "" {
		cfg.SubjectClaim = "sub"
	}
	if cfg.HatsClaim == "" {
		cfg.HatsClaim = "hats"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		keyData, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWT public key from %s: %w", cfg.PublicKeyPath, err)
		}
		block, _ := pem.Decode(keyData)
		if block == nil {
			return nil, fmt.Errorf("failed to decode PEM block from %s", cfg.PublicKeyPath)
		}
		parsedKey, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		rsaKey, ok := parsedKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA (got %T)", parsedKey)
		}
		publicKey = rsaKey
		cfg.Logger.Info("JWT principal extractor: using RS256 verification", "keyPath", cfg.PublicKeyPath)
	} else {
		cfg.Logger.Warn("JWT principal extractor: no public key configured, tokens parsed without verification (trusted proxy mode)")
	}

	return func(r *http.Request) identity.Principal {
		token := extractBearerToken(r)
		if token == "" {
			return identity.Principal{}
		}

		claims, err := parseJWTClaims(token, publicKey, cfg)
		if err != nil {
			cfg.Logger.Debug("JWT parse failed, treating request as anonymous", "error", err)
			return identity.Principal{}
		}

		p := identity.Principal{}
		if sub, ok := lookupClaim(claims, cfg.SubjectClaim).(string); ok {
			p.ID = sub
		}
		p.Hats = stringClaims(lookupClaim(claims, cfg.HatsClaim))
		return p
	}, nil
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseJWTClaims parses and optionally verifies a JWT token.
func parseJWTClaims(tokenString string, publicKey *rsa.PublicKey, cfg JWTExtractorConfig) (jwt.MapClaims, error) {
	parserOpts := []jwt.ParserOption{}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	var token *jwt.Token
	var err error

	if publicKey != nil {
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return publicKey, nil
		}, parserOpts...)
	} else {
		// Trusted proxy mode: parse without verification
		parser := jwt.NewParser(parserOpts...)
		token, _, err = parser.ParseUnverified(tokenString, jwt.MapClaims{})
	}

	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	return claims, nil
}

// lookupClaim walks a dot-notation claim path and returns the value, or nil
// when any segment is missing.
func lookupClaim(claims jwt.MapClaims, claimPath string) any {
	parts := strings.Split(claimPath, ".")
	var current interface{} = map[string]interface{}(claims)

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

// stringClaims normalizes a claim value into a string slice. Accepts a
// single string or an array of strings (e.g. Keycloak-style role arrays).
func stringClaims(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// identityMiddleware resolves the acting principal for each request and
// stores it in the request context.
func identityMiddleware(extract PrincipalExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := extract(r)
			if p.ID != "" {
				r = r.WithContext(identity.WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	}
}
