// Package envelope implements the end-to-end encryption applied to every
// WebSocket frame: ECDH P-256 key agreement hashed down to a 32-byte session
// key, and AES-256-GCM with the 16-byte tag carried as a separate field.
//
// The same derived secret is used for all frames for the lifetime of a paired
// device; there is no rekeying.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	ivSize  = 12
	tagSize = 16
	keySize = 32
)

var (
	// ErrDecrypt covers every authentication failure: tampered envelope,
	// malformed fields, or wrong key. Callers must not reveal which.
	ErrDecrypt = errors.New("envelope: decryption failed")

	// ErrInvalidKey is returned when key material has the wrong length or
	// encoding.
	ErrInvalidKey = errors.New("envelope: invalid key material")
)

// Envelope is the wire form of one encrypted frame. All fields are base64
// (standard encoding).
type Envelope struct {
	IV  string `json:"iv"`
	CT  string `json:"ct"`
	Tag string `json:"tag"`
}

// GenerateKeyPair returns a fresh P-256 key pair, base64-encoded. The public
// key is the 65-byte uncompressed point, the private key the raw scalar.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generating p-256 key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
		base64.StdEncoding.EncodeToString(priv.Bytes()), nil
}

// DeriveSharedSecret runs ECDH between our private key and the peer's public
// key and hashes the shared X coordinate with SHA-256, so both sides reach
// the same 32-byte key without an HKDF info string. The result is base64.
func DeriveSharedSecret(privateKey, peerPublicKey string) (string, error) {
	privRaw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("decoding private key: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(privRaw)
	if err != nil {
		return "", fmt.Errorf("parsing private key: %w", err)
	}
	pubRaw, err := base64.StdEncoding.DecodeString(peerPublicKey)
	if err != nil {
		return "", fmt.Errorf("decoding peer public key: %w", err)
	}
	pub, err := ecdh.P256().NewPublicKey(pubRaw)
	if err != nil {
		return "", fmt.Errorf("parsing peer public key: %w", err)
	}
	// For NIST curves, ECDH returns the X coordinate of the shared point.
	shared, err := priv.ECDH(pub)
	if err != nil {
		return "", fmt.Errorf("computing shared secret: %w", err)
	}
	sum := sha256.Sum256(shared)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Encrypt seals plaintext under the shared secret with AES-256-GCM, a random
// 12-byte IV, and empty AAD. The GCM tag travels in its own field.
func Encrypt(plaintext []byte, secret string) (Envelope, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return Envelope{}, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generating iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - tagSize
	return Envelope{
		IV:  base64.StdEncoding.EncodeToString(iv),
		CT:  base64.StdEncoding.EncodeToString(sealed[:n]),
		Tag: base64.StdEncoding.EncodeToString(sealed[n:]),
	}, nil
}

// Decrypt opens an envelope. Any tamper, malformed field, or wrong key yields
// ErrDecrypt.
func Decrypt(env Envelope, secret string) ([]byte, error) {
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != ivSize {
		return nil, ErrDecrypt
	}
	ct, err := base64.StdEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, ErrDecrypt
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, ErrDecrypt
	}
	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(secret string) (cipher.AEAD, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
