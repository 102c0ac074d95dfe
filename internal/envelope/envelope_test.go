package envelope

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret(t *testing.T) string {
	t.Helper()

	aPub, aPriv, err := GenerateKeyPair()
	require.NoError(t, err)
	bPub, bPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	secret, err := DeriveSharedSecret(aPriv, bPub)
	require.NoError(t, err)
	peer, err := DeriveSharedSecret(bPriv, aPub)
	require.NoError(t, err)
	require.Equal(t, secret, peer)

	return secret
}

func TestDeriveSharedSecretSymmetric(t *testing.T) {
	aPub, aPriv, err := GenerateKeyPair()
	require.NoError(t, err)
	bPub, bPriv, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedSecret(aPriv, bPub)
	require.NoError(t, err)
	ba, err := DeriveSharedSecret(bPriv, aPub)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)

	raw, err := base64.StdEncoding.DecodeString(ab)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestDeriveSharedSecretDistinctPeers(t *testing.T) {
	aPub, aPriv, err := GenerateKeyPair()
	require.NoError(t, err)
	_, bPriv, err := GenerateKeyPair()
	require.NoError(t, err)
	cPub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := DeriveSharedSecret(aPriv, cPub)
	require.NoError(t, err)
	cb, err := DeriveSharedSecret(bPriv, aPub)
	require.NoError(t, err)

	assert.NotEqual(t, ab, cb)
}

func TestDeriveSharedSecretRejectsGarbage(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = DeriveSharedSecret(priv, "not base64!!")
	assert.Error(t, err)

	_, err = DeriveSharedSecret(priv, base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := testSecret(t)

	cases := map[string]string{
		"empty":   "",
		"short":   "hi",
		"json":    `{"type":"auth","pin":"1234"}`,
		"unicode": "héllo wörld 日本語 🚀",
		"large":   strings.Repeat("0123456789abcdef", 6400), // 100 KiB
	}

	for name, plaintext := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := Encrypt([]byte(plaintext), secret)
			require.NoError(t, err)

			iv, err := base64.StdEncoding.DecodeString(env.IV)
			require.NoError(t, err)
			assert.Len(t, iv, 12)
			tag, err := base64.StdEncoding.DecodeString(env.Tag)
			require.NoError(t, err)
			assert.Len(t, tag, 16)

			got, err := Decrypt(env, secret)
			require.NoError(t, err)
			assert.Equal(t, plaintext, string(got))
		})
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	secret := testSecret(t)

	a, err := Encrypt([]byte("same plaintext"), secret)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same plaintext"), secret)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.CT, b.CT)
}

func flipBit(t *testing.T, b64 string, bit int) string {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	raw[bit/8] ^= 1 << (bit % 8)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecryptRejectsTampering(t *testing.T) {
	secret := testSecret(t)

	env, err := Encrypt([]byte("the quick brown fox"), secret)
	require.NoError(t, err)

	tampered := env
	tampered.IV = flipBit(t, env.IV, 3)
	_, err = Decrypt(tampered, secret)
	assert.ErrorIs(t, err, ErrDecrypt)

	tampered = env
	tampered.CT = flipBit(t, env.CT, 17)
	_, err = Decrypt(tampered, secret)
	assert.ErrorIs(t, err, ErrDecrypt)

	tampered = env
	tampered.Tag = flipBit(t, env.Tag, 42)
	_, err = Decrypt(tampered, secret)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	env, err := Encrypt([]byte("secret payload"), testSecret(t))
	require.NoError(t, err)

	_, err = Decrypt(env, testSecret(t))
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsMalformedFields(t *testing.T) {
	secret := testSecret(t)

	env, err := Encrypt([]byte("payload"), secret)
	require.NoError(t, err)

	bad := env
	bad.IV = "%%%"
	_, err = Decrypt(bad, secret)
	assert.ErrorIs(t, err, ErrDecrypt)

	bad = env
	bad.Tag = base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = Decrypt(bad, secret)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestBadSecretRejected(t *testing.T) {
	_, err := Encrypt([]byte("x"), "definitely not a key")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = Decrypt(Envelope{}, base64.StdEncoding.EncodeToString([]byte("short key")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}
