// Package keymgr is the Key Manager (C2): it generates AT Protocol
// signing keys, OAuth signing keys, and envelope-encrypts private key
// material at rest. DecryptPrivateKey returns the plaintext multibase
// key to its caller, which holds it for as long as it keeps the value;
// keys are not zeroed after use.
package keymgr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/leafhq/leaf-pds/internal/apperr"
)

// hkdfSalt and hkdfInfo are fixed, per spec: every signing/rotation key
// is wrapped under the same derived AES-256-GCM key, distinguished only
// by its random per-encryption nonce.
const (
	hkdfSalt = "leaf-pds-key-encryption"
	hkdfInfo = "aes-256-gcm-key"

	nonceSize = 12

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptSalt   = 16
	scryptKeyLen = 32
)

// Manager wraps the deployment's key-encryption secret and derives the
// AES-256-GCM key used to wrap signing/rotation private keys at rest.
type Manager struct {
	secret string
	aesKey []byte // memoized HKDF output
}

// New creates a Manager from the configured key-encryption secret.
// The secret must already have been validated non-empty by config.Load.
func New(secret string) (*Manager, error) {
	key, err := deriveAESKey(secret)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "keymgr.New", err)
	}
	return &Manager{secret: secret, aesKey: key}, nil
}

func deriveAESKey(secret string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// EncryptedKey is the at-rest representation of a wrapped private key:
// a random nonce and the AES-256-GCM sealed ciphertext. Encode/Decode
// round-trip it through a single opaque string suitable for a TEXT
// column.
type EncryptedKey struct {
	Nonce      []byte
	Ciphertext []byte
}

// Encode serializes an EncryptedKey as "<nonce-b64>.<ciphertext-b64>".
func (e EncryptedKey) Encode() string {
	return base64.RawURLEncoding.EncodeToString(e.Nonce) + "." +
		base64.RawURLEncoding.EncodeToString(e.Ciphertext)
}

// DecodeEncryptedKey parses the string form produced by Encode.
func DecodeEncryptedKey(s string) (EncryptedKey, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return EncryptedKey{}, apperr.New(apperr.KindCrypto, "keymgr.DecodeEncryptedKey", fmt.Errorf("malformed encrypted key"))
	}
	nonce, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return EncryptedKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.DecodeEncryptedKey", err)
	}
	ct, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return EncryptedKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.DecodeEncryptedKey", err)
	}
	return EncryptedKey{Nonce: nonce, Ciphertext: ct}, nil
}

// EncryptPrivateKey wraps plaintext (a multibase-encoded private key
// string, as returned by GenerateSigningKey) under the Manager's
// HKDF-derived AES-256-GCM key.
func (m *Manager) EncryptPrivateKey(plaintext string) (EncryptedKey, error) {
	block, err := aes.NewCipher(m.aesKey)
	if err != nil {
		return EncryptedKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.EncryptPrivateKey", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.EncryptPrivateKey", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.EncryptPrivateKey", err)
	}
	ct := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return EncryptedKey{Nonce: nonce, Ciphertext: ct}, nil
}

// DecryptPrivateKey reverses EncryptPrivateKey. A failed AEAD auth
// check (tampered ciphertext, wrong secret) is reported as CryptoError.
func (m *Manager) DecryptPrivateKey(ek EncryptedKey) (string, error) {
	block, err := aes.NewCipher(m.aesKey)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "keymgr.DecryptPrivateKey", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "keymgr.DecryptPrivateKey", err)
	}
	pt, err := gcm.Open(nil, ek.Nonce, ek.Ciphertext, nil)
	if err != nil {
		return "", apperr.New(apperr.KindCrypto, "keymgr.DecryptPrivateKey", fmt.Errorf("aead open: %w", err))
	}
	return string(pt), nil
}

// GenerateSigningKey creates a new secp256k1 repo signing key and
// returns its multibase-encoded private key string, ready to be passed
// to EncryptPrivateKey for storage.
func GenerateSigningKey() (string, error) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "keymgr.GenerateSigningKey", err)
	}
	return priv.Multibase(), nil
}

// GenerateRotationKeys creates n secp256k1 rotation keys for a did:plc
// genesis or rotate_signing_key operation, returned as multibase
// private key strings in generation order (index 0 is the most senior
// rotation key).
func GenerateRotationKeys(n int) ([]string, error) {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		k, err := GenerateSigningKey()
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return keys, nil
}

// OAuthSigningKey is a P-256 ECDSA key pair used to sign OAuth access
// tokens and DPoP-bound JWTs (ES256), encrypted at rest via Scrypt
// rather than HKDF since it lives in a single row rather than per
// account and tolerates the extra Scrypt cost.
type OAuthSigningKey struct {
	Kid        string
	Ciphertext []byte
	Nonce      []byte
	Salt       []byte
}

// GenerateOAuthSigningKey creates a new P-256 ECDSA key pair, encrypts
// the PKCS8-independent raw scalar under a freshly-salted Scrypt key,
// and assigns it a random kid for the JWKS endpoint.
func (m *Manager) GenerateOAuthSigningKey() (priv *ecdsa.PrivateKey, wrapped OAuthSigningKey, err error) {
	priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, OAuthSigningKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.GenerateOAuthSigningKey", err)
	}

	salt := make([]byte, scryptSalt)
	if _, err := rand.Read(salt); err != nil {
		return nil, OAuthSigningKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.GenerateOAuthSigningKey", err)
	}
	key, err := scrypt.Key([]byte(m.secret), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, OAuthSigningKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.GenerateOAuthSigningKey", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, OAuthSigningKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.GenerateOAuthSigningKey", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, OAuthSigningKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.GenerateOAuthSigningKey", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, OAuthSigningKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.GenerateOAuthSigningKey", err)
	}

	ct := gcm.Seal(nil, nonce, priv.D.Bytes(), nil)

	kid := make([]byte, 8)
	if _, err := rand.Read(kid); err != nil {
		return nil, OAuthSigningKey{}, apperr.Wrap(apperr.KindCrypto, "keymgr.GenerateOAuthSigningKey", err)
	}

	return priv, OAuthSigningKey{
		Kid:        hex.EncodeToString(kid),
		Ciphertext: ct,
		Nonce:      nonce,
		Salt:       salt,
	}, nil
}

// LoadOAuthSigningKey decrypts a previously-generated OAuthSigningKey
// row back into a usable private key.
func (m *Manager) LoadOAuthSigningKey(w OAuthSigningKey) (*ecdsa.PrivateKey, error) {
	key, err := scrypt.Key([]byte(m.secret), w.Salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "keymgr.LoadOAuthSigningKey", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "keymgr.LoadOAuthSigningKey", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "keymgr.LoadOAuthSigningKey", err)
	}
	scalar, err := gcm.Open(nil, w.Nonce, w.Ciphertext, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindCrypto, "keymgr.LoadOAuthSigningKey", fmt.Errorf("aead open: %w", err))
	}

	curve := elliptic.P256()
	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = new(big.Int).SetBytes(scalar)
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(scalar)
	return priv, nil
}

// HashToken returns the hex-encoded SHA-256 digest of an opaque bearer
// token (session access/refresh token, OAuth refresh token). Only the
// hash is ever persisted, per I7/I9.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewTID generates a fresh AT Protocol timestamp identifier, used for
// record rkeys and commit revs. Grounded on the same
// syntax.NewTIDClock(0) pattern internal/repo uses per-operation.
func NewTID() string {
	clock := syntax.NewTIDClock(0)
	return clock.Next().String()
}
