package token

import (
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

// ErrInvalidToken is the single failure surfaced for any malformed, tampered,
// mis-keyed, expired or not-yet-valid token. The underlying cause stays in the
// wrapped message for logs; callers must not branch on it.
var ErrInvalidToken = errors.New("invalid token")

// Purpose selects a token's intended consumer and thus its encryption key.
type Purpose int

const (
	// PurposeAccess tokens are wrapped with the provider's own public key and
	// are opaque to everyone else.
	PurposeAccess Purpose = iota
	// PurposeID tokens are wrapped with the relying party's public key.
	PurposeID
	// PurposeUserinfo tokens are wrapped with the relying party's public key.
	PurposeUserinfo
)

func (p Purpose) String() string {
	switch p {
	case PurposeAccess:
		return "access"
	case PurposeID:
		return "id"
	case PurposeUserinfo:
		return "userinfo"
	default:
		return "unknown"
	}
}

// Expected pins the issuer and audience a verified envelope must carry.
type Expected struct {
	Issuer   string
	Audience string
}

// Codec builds, signs, and encrypts claim sets into nested JWS-in-JWE compact
// tokens, and opens the ones addressed to the provider itself. It holds no
// per-request state and is safe for concurrent use.
type Codec struct {
	keys      *ProviderKeys
	clientKey *rsa.PublicKey
	expect    Expected
	logger    *slog.Logger
}

// NewCodec wires the provider's key material and the relying party's public
// encryption key. issuer and audience become the iss/aud of every minted
// envelope and are required of every opened one.
func NewCodec(keys *ProviderKeys, clientKey *rsa.PublicKey, issuer, audience string, logger *slog.Logger) *Codec {
	return &Codec{
		keys:      keys,
		clientKey: clientKey,
		expect:    Expected{Issuer: issuer, Audience: audience},
		logger:    logger,
	}
}

// Expect returns the issuer/audience pair the codec mints and verifies against.
func (c *Codec) Expect() Expected { return c.expect }

// SignAndEncrypt serializes claims into a compact token: signed with the
// provider's private signing key, then encrypted for the purpose's consumer.
func (c *Codec) SignAndEncrypt(claims any, purpose Purpose) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: c.keys.Signing},
		(&jose.SignerOptions{}).WithHeader("kid", c.keys.SigningKID()),
	)
	if err != nil {
		return "", fmt.Errorf("init signer: %w", err)
	}

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: c.encryptionKey(purpose)},
		(&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("init encrypter: %w", err)
	}

	raw, err := jwt.SignedAndEncrypted(signer, encrypter).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize %s token: %w", purpose, err)
	}
	return raw, nil
}

// DecryptAndVerify opens a token minted for the given purpose. The provider
// only holds the private key for access tokens; id and userinfo tokens are
// opaque to it by design of the key distribution.
func (c *Codec) DecryptAndVerify(raw string, purpose Purpose, dest any) error {
	if purpose != PurposeAccess {
		c.logger.Warn("token rejected", "purpose", purpose.String(), "reason", "no decryption key held for purpose")
		return ErrInvalidToken
	}
	if err := Open(raw, c.keys.Encryption, c.keys.Signing.Public(), c.expect, dest); err != nil {
		c.logger.Warn("token rejected", "purpose", purpose.String(), "reason", err.Error())
		return ErrInvalidToken
	}
	return nil
}

func (c *Codec) encryptionKey(purpose Purpose) *rsa.PublicKey {
	if purpose == PurposeAccess {
		return &c.keys.Encryption.PublicKey
	}
	return c.clientKey
}

// Open decrypts a compact JWS-in-JWE token with decryptionKey, verifies the
// nested signature against signatureKey, deserializes the payload into dest,
// and validates the registered claim envelope against expect. Every failure
// mode is reported distinctly in the wrapped error but shares the
// ErrInvalidToken sentinel.
func Open(raw string, decryptionKey *rsa.PrivateKey, signatureKey crypto.PublicKey, expect Expected, dest any) error {
	nested, err := jwt.ParseSignedAndEncrypted(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed encoding: %v", ErrInvalidToken, err)
	}

	signed, err := nested.Decrypt(decryptionKey)
	if err != nil {
		return fmt.Errorf("%w: decryption failed: %v", ErrInvalidToken, err)
	}

	var envelope jwt.Claims
	if err := signed.Claims(signatureKey, dest, &envelope); err != nil {
		return fmt.Errorf("%w: signature verification failed: %v", ErrInvalidToken, err)
	}

	err = envelope.ValidateWithLeeway(jwt.Expected{
		Issuer:   expect.Issuer,
		Audience: jwt.Audience{expect.Audience},
		Time:     time.Now(),
	}, 0)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	case errors.Is(err, jwt.ErrNotValidYet):
		return fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	case err != nil:
		return fmt.Errorf("%w: claims rejected: %v", ErrInvalidToken, err)
	}
	return nil
}
