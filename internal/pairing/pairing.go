// Package pairing implements the one-time QR pairing handshake: a short-lived
// token gates the exchange of public keys from which both sides derive the
// shared session secret.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/claude-remote/internal/envelope"
	"github.com/p-blackswan/claude-remote/internal/store"
)

var (
	// ErrInvalidToken is returned when the presented token does not match the
	// stored one, or no token is outstanding.
	ErrInvalidToken = errors.New("pairing: invalid or expired token")

	// ErrAlreadyPaired is returned while a device is paired; unpair first.
	ErrAlreadyPaired = errors.New("pairing: a device is already paired")
)

const tokenBytes = 16

// Result is the outcome of a completed pairing exchange.
type Result struct {
	ServerPublicKey string
	DeviceID        string
}

// Service guards the pairing handshake. Store operations are individually
// atomic; the service mutex makes the check-then-pair sequence atomic too.
type Service struct {
	mu        sync.Mutex
	store     *store.Store
	publicURL string
	logger    zerolog.Logger
}

// New creates a pairing service. publicURL may be empty.
func New(st *store.Store, publicURL string, logger zerolog.Logger) *Service {
	return &Service{
		store:     st,
		publicURL: publicURL,
		logger:    logger.With().Str("component", "pairing").Logger(),
	}
}

// MintToken generates, persists and returns a fresh pairing token.
func (s *Service) MintToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("minting pairing token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	if err := s.store.SetPairingToken(token); err != nil {
		return "", err
	}
	return token, nil
}

// EnsureToken returns the outstanding pairing token, minting one when none
// exists and no device is paired yet. force re-mints unconditionally.
// An empty token with nil error means pairing is closed (device paired).
func (s *Service) EnsureToken(force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if force {
		return s.MintToken()
	}

	id, err := s.store.Identity()
	if err != nil {
		return "", err
	}
	if id.PairingToken != nil {
		return *id.PairingToken, nil
	}

	paired, err := s.store.HasDevices()
	if err != nil {
		return "", err
	}
	if paired {
		return "", nil
	}
	return s.MintToken()
}

// Begin validates the token and hands out the server's public key so the
// client can compute the shared secret before completing.
func (s *Service) Begin(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.guard(token)
	if err != nil {
		return "", err
	}
	return id.PublicKey, nil
}

// Complete finishes the handshake: derives and persists the shared secret for
// the new device and consumes the token.
func (s *Service) Complete(token, clientPublicKey string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.guard(token)
	if err != nil {
		return Result{}, err
	}

	secret, err := envelope.DeriveSharedSecret(id.PrivateKey, clientPublicKey)
	if err != nil {
		return Result{}, fmt.Errorf("deriving shared secret: %w", err)
	}

	deviceID, err := store.NewDeviceID()
	if err != nil {
		return Result{}, err
	}
	if err := s.store.AddDevice(store.Device{
		ID:           deviceID,
		PublicKey:    clientPublicKey,
		SharedSecret: secret,
	}); err != nil {
		return Result{}, err
	}
	if err := s.store.ClearPairingToken(); err != nil {
		return Result{}, err
	}

	s.logger.Info().Str("device_id", deviceID).Msg("pairing completed")
	return Result{ServerPublicKey: id.PublicKey, DeviceID: deviceID}, nil
}

// guard enforces the single-pairing rules shared by Begin and Complete.
func (s *Service) guard(token string) (store.Identity, error) {
	id, err := s.store.Identity()
	if err != nil {
		return store.Identity{}, err
	}
	if id.PairingToken == nil || token == "" ||
		subtle.ConstantTimeCompare([]byte(*id.PairingToken), []byte(token)) != 1 {
		return store.Identity{}, ErrInvalidToken
	}

	paired, err := s.store.HasDevices()
	if err != nil {
		return store.Identity{}, err
	}
	if paired {
		return store.Identity{}, ErrAlreadyPaired
	}
	return id, nil
}

// PairURL is the URL encoded into the startup QR code.
func (s *Service) PairURL(token string) string {
	return s.publicURL + "/pair/" + token
}

// RedirectURL is where browsers opening the pair link are sent: the chat page
// with the token in the query string.
func (s *Service) RedirectURL(token string) string {
	return s.publicURL + "/?pairToken=" + token
}
