package token

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v3"
)

const (
	keyBits      = 2048
	keySetFile   = "provider-keys.json"
	useSignature = "sig"
	useEncrypt   = "enc"
)

// ProviderKeys bundles the issuer's signing key pair and its own encryption
// key pair. The signing key is the one exported through JWKS; the encryption
// key wraps tokens only the provider itself may open.
type ProviderKeys struct {
	Signing    *rsa.PrivateKey
	Encryption *rsa.PrivateKey

	signingKID string
}

// GenerateProviderKeys creates fresh RSA key pairs for signing and encryption.
func GenerateProviderKeys() (*ProviderKeys, error) {
	sig, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	enc, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	return newProviderKeys(sig, enc)
}

// LoadOrCreateProviderKeys reads persisted key material from dir, generating
// and persisting a new set when none exists. Keeping keys on disk keeps the
// kid stable across restarts.
func LoadOrCreateProviderKeys(dir string) (*ProviderKeys, error) {
	path := filepath.Join(dir, keySetFile)

	payload, err := os.ReadFile(path)
	if err == nil {
		return parseProviderKeys(payload)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key set: %w", err)
	}

	keys, err := GenerateProviderKeys()
	if err != nil {
		return nil, err
	}
	if err := keys.persist(path); err != nil {
		return nil, err
	}
	return keys, nil
}

func newProviderKeys(sig, enc *rsa.PrivateKey) (*ProviderKeys, error) {
	kid, err := KeyID(jose.JSONWebKey{Key: sig.Public(), Use: useSignature})
	if err != nil {
		return nil, fmt.Errorf("derive signing kid: %w", err)
	}
	return &ProviderKeys{Signing: sig, Encryption: enc, signingKID: kid}, nil
}

func parseProviderKeys(payload []byte) (*ProviderKeys, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("parse key set: %w", err)
	}

	var sig, enc *rsa.PrivateKey
	for _, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		switch key.Use {
		case useSignature:
			sig = priv
		case useEncrypt:
			enc = priv
		}
	}
	if sig == nil || enc == nil {
		return nil, errors.New("key set missing sig or enc key")
	}
	return newProviderKeys(sig, enc)
}

func (k *ProviderKeys) persist(path string) error {
	encKID, err := KeyID(jose.JSONWebKey{Key: k.Encryption.Public(), Use: useEncrypt})
	if err != nil {
		return err
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: k.Signing, KeyID: k.signingKID, Algorithm: string(jose.RS256), Use: useSignature},
		{Key: k.Encryption, KeyID: encKID, Algorithm: string(jose.RSA_OAEP_256), Use: useEncrypt},
	}}
	payload, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// SigningKID is the deterministic identifier of the public signing key,
// embedded in token headers and the JWKS entry.
func (k *ProviderKeys) SigningKID() string { return k.signingKID }

// PublicJWKS exports the provider's public signing key as a single-entry set.
func (k *ProviderKeys) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       k.Signing.Public(),
		KeyID:     k.signingKID,
		Algorithm: string(jose.RS256),
		Use:       useSignature,
	}}}
}

// KeyID derives a deterministic key identifier from a JWK: the base64url
// encoding of its RFC 7638 SHA-256 thumbprint. Token headers and the JWKS
// endpoint agree on kids without a key registry.
func KeyID(jwk jose.JSONWebKey) (string, error) {
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
