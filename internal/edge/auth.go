package edge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any auth failure: missing/malformed
// header, invalid signature, expired token, unsupported algorithm.
var ErrUnauthorized = errors.New("edge: unauthorized")

// Claims is the subset of JWT claims the edge handler relies on. Subject is
// the user id used for every pull-rule predicate and push ownership check.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator verifies a bearer token and returns the authenticated user
// id (the token's subject). It verifies HS256 tokens when a shared secret
// is configured and ES256 tokens when a JWKS URL is configured; when both
// are set, each token is checked by the mode its own alg header names.
type Authenticator struct {
	sharedSecret []byte
	jwks         *jwksClient
	issuer       string
}

// NewAuthenticator builds an Authenticator from the edge Config, wiring
// HS256 and/or ES256 depending on which fields are set; a misconfigured
// edge (neither set) is rejected by LoadConfig already.
func NewAuthenticator(cfg Config) *Authenticator {
	a := &Authenticator{issuer: cfg.JWTIssuer}
	if cfg.JWTSharedSecret != "" {
		a.sharedSecret = []byte(cfg.JWTSharedSecret)
	}
	if cfg.JWKSURL != "" {
		a.jwks = newJWKSClient(cfg.JWKSURL)
	}
	return a
}

// Authenticate extracts and verifies the bearer token from an Authorization
// header value, returning the authenticated user id.
func (a *Authenticator) Authenticate(authHeader string) (string, error) {
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	var opts []jwt.ParserOption
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, a.keyFunc, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return sub, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.Alg() {
	case "HS256":
		if a.sharedSecret == nil {
			return nil, fmt.Errorf("HS256 token presented but no shared secret is configured")
		}
		return a.sharedSecret, nil
	case "ES256":
		if a.jwks == nil {
			return nil, fmt.Errorf("ES256 token presented but no JWKS url is configured")
		}
		kid, _ := token.Header["kid"].(string)
		return a.jwks.publicKey(kid)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", token.Method.Alg())
	}
}
