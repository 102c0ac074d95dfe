// Package push delivers Web Push notifications (RFC 8030) for finished jobs.
// Payloads are encrypted per RFC 8291 (aes128gcm) and requests authorized
// with VAPID (RFC 8292). Subscriptions the push service reports gone are
// pruned from the store.
package push

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/p-blackswan/claude-remote/internal/store"
)

// EnsureVAPIDKeys returns the persisted VAPID key pair, minting one on first
// boot. The private key is the raw P-256 scalar and the public key the
// uncompressed point, both base64 raw-url encoded — the format
// PushManager.subscribe expects for applicationServerKey.
func EnsureVAPIDKeys(st *store.Store) (store.VAPIDKeys, error) {
	keys, ok, err := st.VAPIDKeys()
	if err != nil {
		return store.VAPIDKeys{}, err
	}
	if ok {
		return keys, nil
	}

	keys, err = generateVAPIDKeys()
	if err != nil {
		return store.VAPIDKeys{}, err
	}
	if err := st.SetVAPIDKeys(keys); err != nil {
		return store.VAPIDKeys{}, err
	}
	return keys, nil
}

func generateVAPIDKeys() (store.VAPIDKeys, error) {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return store.VAPIDKeys{}, fmt.Errorf("generating vapid key: %w", err)
	}
	return store.VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(private.PublicKey().Bytes()),
		PrivateKey: base64.RawURLEncoding.EncodeToString(private.Bytes()),
	}, nil
}

// signingKey rebuilds the ES256 key from the stored raw scalar. The public
// point is recomputed from the scalar rather than trusted from storage.
func signingKey(keys store.VAPIDKeys) (*ecdsa.PrivateKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(keys.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding vapid private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("push: vapid private key must be 32 bytes, got %d", len(raw))
	}

	curve := elliptic.P256()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         new(big.Int).SetBytes(raw),
	}
	key.X, key.Y = curve.ScalarBaseMult(raw)
	return key, nil
}
