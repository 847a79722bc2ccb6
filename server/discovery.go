package server

// DiscoveryDocument is a simple alias for discovery metadata.
type DiscoveryDocument map[string]any

// BuildDiscoveryDocument constructs the OIDC discovery document. Pure
// function of the configured public URL.
func BuildDiscoveryDocument(cfg Config) DiscoveryDocument {
	issuer := cfg.Issuer()
	return DiscoveryDocument{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/authorize",
		"token_endpoint":         issuer + "/token",
		"userinfo_endpoint":      issuer + "/userinfo",
		"jwks_uri":               issuer + "/.well-known/jwks",
		"end_session_endpoint":   issuer + "/logout",
		// Mock-specific session liveness probe used by the relying party.
		"validatesession_endpoint": issuer + "/validatesession",
		"response_types_supported": []string{"code"},
		"grant_types_supported":    []string{"authorization_code"},
		"scopes_supported":         []string{"openid", "profile", "email"},
		"claims_supported": []string{
			"iss", "aud", "sub", "jti", "iat", "exp", "nbf",
			"nonce", "locale", "sid", "birthdate", "sin",
		},
		"token_endpoint_auth_methods_supported":    []string{"private_key_jwt"},
		"id_token_signing_alg_values_supported":    []string{"RS256"},
		"id_token_encryption_alg_values_supported": []string{"RSA-OAEP-256"},
		"id_token_encryption_enc_values_supported": []string{"A256GCM"},
		"userinfo_signing_alg_values_supported":    []string{"RS256"},
		"userinfo_encryption_alg_values_supported": []string{"RSA-OAEP-256"},
		"code_challenge_methods_supported":         []string{"S256"},
		"subject_types_supported":                  []string{"public"},
	}
}
