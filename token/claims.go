package token

import (
	"time"

	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"
)

// Claim lifetimes shared by every token the provider mints. Expiry is measured
// from issuance, and NotBefore is backdated to absorb clock drift between the
// provider and its consumers.
const (
	ClaimsLifetime     = 20 * time.Minute
	ClaimsBackdateSkew = 30 * time.Second
)

// AccessClaims is the base claim envelope. Access tokens carry nothing beyond
// the registered claims.
type AccessClaims struct {
	jwt.Claims
}

// IDClaims binds an ID token to its originating authorization request via the
// nonce, and to the provider-side session via sid.
type IDClaims struct {
	jwt.Claims
	Nonce     string `json:"nonce"`
	Locale    string `json:"locale"`
	SessionID string `json:"sid"`
}

// UserinfoClaims carries the profile attributes returned by the userinfo
// endpoint.
type UserinfoClaims struct {
	jwt.Claims
	Birthdate string `json:"birthdate"`
	Locale    string `json:"locale"`
	SIN       string `json:"sin"`
}

// NewEnvelope builds the registered claims common to all three token shapes:
// a fresh jti, iat of now, exp of iat+20m and nbf of iat-30s.
func NewEnvelope(issuer, audience, subject string) jwt.Claims {
	now := time.Now()
	return jwt.Claims{
		Issuer:    issuer,
		Audience:  jwt.Audience{audience},
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-ClaimsBackdateSkew)),
		Expiry:    jwt.NewNumericDate(now.Add(ClaimsLifetime)),
	}
}
