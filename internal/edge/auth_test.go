package edge

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthenticateAcceptsValidHS256Token(t *testing.T) {
	a := NewAuthenticator(Config{JWTSharedSecret: "shh"})
	tok := signHS256(t, "shh", "user-1", time.Hour)

	userID, err := a.Authenticate("Bearer " + tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("userID = %q, want user-1", userID)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	a := NewAuthenticator(Config{JWTSharedSecret: "shh"})
	tok := signHS256(t, "wrong-secret", "user-1", time.Hour)

	if _, err := a.Authenticate("Bearer " + tok); err == nil {
		t.Fatal("expected error for token signed with the wrong secret")
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	a := NewAuthenticator(Config{JWTSharedSecret: "shh"})
	tok := signHS256(t, "shh", "user-1", -time.Minute)

	if _, err := a.Authenticate("Bearer " + tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestAuthenticateRejectsMissingBearerPrefix(t *testing.T) {
	a := NewAuthenticator(Config{JWTSharedSecret: "shh"})
	if _, err := a.Authenticate("shh-no-bearer-prefix"); err == nil {
		t.Fatal("expected error for header without Bearer prefix")
	}
}

func TestAuthenticateRejectsHS256WithoutSharedSecret(t *testing.T) {
	// ES256-only authenticator presented with an HS256 token.
	a := NewAuthenticator(Config{JWKSURL: "https://example.invalid/jwks.json"})
	tok := signHS256(t, "shh", "user-1", time.Hour)

	if _, err := a.Authenticate("Bearer " + tok); err == nil {
		t.Fatal("expected error: HS256 token against an ES256-only authenticator")
	}
}
