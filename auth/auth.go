// Package auth handles the bearer tokens this module sends to a
// registry. The client only ever carries a caller-supplied token and
// inspects its claims; it never signs or verifies a signature.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTExpiry extracts the exp claim from token without verifying its
// signature. It reports ok=false for non-JWT tokens (plain npm registry
// tokens are opaque strings, not JWTs) or tokens with no exp claim.
func JWTExpiry(token string) (time.Time, bool) {
	if !looksLikeJWT(token) {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Looks enough like a JWT to attempt unverified parsing: three
// dot-separated base64url segments, the first decoding to a JSON object
// with an "alg" field. This is a cheap pre-check so opaque npm tokens
// don't pay for a failed jwt.ParseUnverified.
func looksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var header struct {
		Alg string `json:"alg"`
	}
	return json.Unmarshal(decoded, &header) == nil && header.Alg != ""
}

// BearerHeader formats token for an Authorization header.
func BearerHeader(token string) string {
	return "Bearer " + token
}
