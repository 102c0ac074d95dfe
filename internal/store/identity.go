package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/p-blackswan/claude-remote/internal/envelope"
)

const identityFile = "server.json"

// ErrNoIdentity is returned when server.json does not exist yet.
var ErrNoIdentity = errors.New("store: server identity not initialized")

// Identity is the server's long-term ECDH key pair plus the ephemeral pairing
// token. The private key never leaves the process except into server.json,
// which is written 0600.
type Identity struct {
	PrivateKey   string  `json:"privateKey"`
	PublicKey    string  `json:"publicKey"`
	PairingToken *string `json:"pairingToken"`
}

// EnsureIdentity loads the server identity, generating and persisting a fresh
// key pair on first boot.
func (s *Store) EnsureIdentity() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id Identity
	err := readJSON(s.path(identityFile), &id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, fmt.Errorf("loading identity: %w", err)
	}

	pub, priv, err := envelope.GenerateKeyPair()
	if err != nil {
		return Identity{}, fmt.Errorf("generating identity: %w", err)
	}
	id = Identity{PrivateKey: priv, PublicKey: pub}
	if err := writeJSON(s.path(identityFile), id, 0o600); err != nil {
		return Identity{}, fmt.Errorf("persisting identity: %w", err)
	}

	s.logger.Info().Msg("generated server identity")
	return id, nil
}

// Identity returns the stored identity, or ErrNoIdentity before first boot.
func (s *Store) Identity() (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id Identity
	if err := readJSON(s.path(identityFile), &id); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, ErrNoIdentity
		}
		return Identity{}, fmt.Errorf("loading identity: %w", err)
	}
	return id, nil
}

// SetPairingToken persists a freshly minted pairing token.
func (s *Store) SetPairingToken(token string) error {
	return s.updateIdentity(func(id *Identity) {
		id.PairingToken = &token
	})
}

// ClearPairingToken consumes the pairing token after a successful pair.
func (s *Store) ClearPairingToken() error {
	return s.updateIdentity(func(id *Identity) {
		id.PairingToken = nil
	})
}

func (s *Store) updateIdentity(mutate func(*Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id Identity
	if err := readJSON(s.path(identityFile), &id); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoIdentity
		}
		return fmt.Errorf("loading identity: %w", err)
	}
	mutate(&id)
	if err := writeJSON(s.path(identityFile), id, 0o600); err != nil {
		return fmt.Errorf("persisting identity: %w", err)
	}
	return nil
}
