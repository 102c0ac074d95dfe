package pairing

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/claude-remote/internal/envelope"
	"github.com/p-blackswan/claude-remote/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	_, err = st.EnsureIdentity()
	require.NoError(t, err)
	return New(st, "https://remote.example.com", zerolog.Nop()), st
}

func TestEnsureToken_MintsOnce(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.EnsureToken(false)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	again, err := svc.EnsureToken(false)
	require.NoError(t, err)
	assert.Equal(t, token, again, "existing token is reused")

	forced, err := svc.EnsureToken(true)
	require.NoError(t, err)
	assert.NotEqual(t, token, forced, "force mints a fresh token")
}

func TestEnsureToken_ClosedWhenPaired(t *testing.T) {
	svc, st := newTestService(t)

	token, err := svc.EnsureToken(false)
	require.NoError(t, err)

	clientPub, _, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	_, err = svc.Complete(token, clientPub)
	require.NoError(t, err)

	after, err := svc.EnsureToken(false)
	require.NoError(t, err)
	assert.Empty(t, after, "no token while a device is paired")

	paired, err := st.HasDevices()
	require.NoError(t, err)
	assert.True(t, paired)
}

func TestBegin(t *testing.T) {
	svc, st := newTestService(t)

	token, err := svc.EnsureToken(false)
	require.NoError(t, err)

	pub, err := svc.Begin(token)
	require.NoError(t, err)

	id, err := st.Identity()
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey, pub)

	_, err = svc.Begin("bogus")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Begin("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestComplete_DerivesMatchingSecret(t *testing.T) {
	svc, st := newTestService(t)

	token, err := svc.EnsureToken(false)
	require.NoError(t, err)

	clientPub, clientPriv, err := envelope.GenerateKeyPair()
	require.NoError(t, err)

	res, err := svc.Complete(token, clientPub)
	require.NoError(t, err)
	require.NotEmpty(t, res.DeviceID)
	require.NotEmpty(t, res.ServerPublicKey)

	// Both sides must land on the same secret.
	clientSecret, err := envelope.DeriveSharedSecret(clientPriv, res.ServerPublicKey)
	require.NoError(t, err)

	device, ok, err := st.DeviceByID(res.DeviceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clientSecret, device.SharedSecret)
	assert.Equal(t, clientPub, device.PublicKey)
}

func TestComplete_TokenSingleUse(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.EnsureToken(false)
	require.NoError(t, err)

	clientPub, _, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	_, err = svc.Complete(token, clientPub)
	require.NoError(t, err)

	// Replaying the consumed token must fail.
	_, err = svc.Complete(token, clientPub)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Begin(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestComplete_AlreadyPaired(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.EnsureToken(false)
	require.NoError(t, err)
	clientPub, _, err := envelope.GenerateKeyPair()
	require.NoError(t, err)
	_, err = svc.Complete(token, clientPub)
	require.NoError(t, err)

	// Re-minting does not bypass the single-device guard.
	forced, err := svc.EnsureToken(true)
	require.NoError(t, err)
	_, err = svc.Begin(forced)
	assert.ErrorIs(t, err, ErrAlreadyPaired)
	_, err = svc.Complete(forced, clientPub)
	assert.ErrorIs(t, err, ErrAlreadyPaired)
}

func TestComplete_BadClientKey(t *testing.T) {
	svc, _ := newTestService(t)

	token, err := svc.EnsureToken(false)
	require.NoError(t, err)

	_, err = svc.Complete(token, "not-a-key")
	require.Error(t, err)

	// The token survives a failed exchange.
	_, err = svc.Begin(token)
	assert.NoError(t, err)
}

func TestURLs(t *testing.T) {
	svc, _ := newTestService(t)
	assert.Equal(t, "https://remote.example.com/pair/tok123", svc.PairURL("tok123"))
	assert.Equal(t, "https://remote.example.com/?pairToken=tok123", svc.RedirectURL("tok123"))

	bare := New(nil, "", zerolog.Nop())
	assert.Equal(t, "/pair/tok123", bare.PairURL("tok123"))
	assert.Equal(t, "/?pairToken=tok123", bare.RedirectURL("tok123"))
}
