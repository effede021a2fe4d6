package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// Supported signing algorithms
const (
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"
)

const rsaKeyBits = 2048

// KeyPair is a decoded signing key pair.
type KeyPair struct {
	KeyID       string
	Algorithm   string
	PrivateKey  crypto.Signer
	PublicKey   crypto.PublicKey
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RetainUntil time.Time
}

// PublicKey is the verification half of a retained key pair.
type PublicKey struct {
	KeyID       string
	Algorithm   string
	Key         crypto.PublicKey
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RetainUntil time.Time
}

// Public returns the verification half of the pair.
func (p *KeyPair) Public() PublicKey {
	return PublicKey{
		KeyID:       p.KeyID,
		Algorithm:   p.Algorithm,
		Key:         p.PublicKey,
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.ExpiresAt,
		RetainUntil: p.RetainUntil,
	}
}

// IsCurrentAt reports whether the pair may still sign at now.
func (p *KeyPair) IsCurrentAt(now time.Time) bool {
	return now.Before(p.ExpiresAt)
}

// SupportedAlgorithm reports whether alg can be used for signing keys.
func SupportedAlgorithm(alg string) bool {
	return alg == AlgorithmRS256 || alg == AlgorithmES256
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch alg {
	case AlgorithmRS256:
		return jwt.SigningMethodRS256, nil
	case AlgorithmES256:
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

// generateKeyPair creates a fresh pair and its persisted form. The private key is
// PKCS#8 DER, sealed with enc when encryption is enabled.
func generateKeyPair(alg string, now time.Time, ttl, grace time.Duration, enc *security.Encryptor) (*KeyPair, *storage.SigningKey, error) {
	var signer crypto.Signer
	var err error
	switch alg {
	case AlgorithmRS256:
		signer, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case AlgorithmES256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		err = fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	sealed, err := enc.Seal(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}

	pair := &KeyPair{
		KeyID:       uuid.NewString(),
		Algorithm:   alg,
		PrivateKey:  signer,
		PublicKey:   signer.Public(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		RetainUntil: now.Add(ttl + grace),
	}
	record := &storage.SigningKey{
		KeyID:       pair.KeyID,
		Algorithm:   alg,
		PrivateKey:  sealed,
		Encrypted:   enc.IsEnabled(),
		CreatedAt:   pair.CreatedAt,
		ExpiresAt:   pair.ExpiresAt,
		RetainUntil: pair.RetainUntil,
	}
	return pair, record, nil
}

// decodeKeyPair turns a persisted record back into a usable pair. It refuses a
// sealed record when no encryptor is configured.
func decodeKeyPair(rec *storage.SigningKey, enc *security.Encryptor) (*KeyPair, error) {
	der := rec.PrivateKey
	if rec.Encrypted {
		if !enc.IsEnabled() {
			return nil, fmt.Errorf("signing key %s is encrypted but no encryption key is configured", rec.KeyID)
		}
		var err error
		if der, err = enc.Open(rec.PrivateKey); err != nil {
			return nil, fmt.Errorf("failed to decrypt signing key %s: %w", rec.KeyID, err)
		}
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key %s: %w", rec.KeyID, err)
	}

	var signer crypto.Signer
	switch k := parsed.(type) {
	case *rsa.PrivateKey:
		if rec.Algorithm != AlgorithmRS256 {
			return nil, fmt.Errorf("signing key %s: RSA key stored as %s", rec.KeyID, rec.Algorithm)
		}
		signer = k
	case *ecdsa.PrivateKey:
		if rec.Algorithm != AlgorithmES256 {
			return nil, fmt.Errorf("signing key %s: EC key stored as %s", rec.KeyID, rec.Algorithm)
		}
		signer = k
	default:
		return nil, fmt.Errorf("signing key %s: unsupported key type %T", rec.KeyID, parsed)
	}

	return &KeyPair{
		KeyID:       rec.KeyID,
		Algorithm:   rec.Algorithm,
		PrivateKey:  signer,
		PublicKey:   signer.Public(),
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		RetainUntil: rec.RetainUntil,
	}, nil
}
