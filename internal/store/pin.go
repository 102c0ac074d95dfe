package store

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

const pinFile = "config.json"

// argon2id parameters, interactive-login strength. A PIN guess costs a real
// key derivation.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// ErrPinMismatch is returned when a PIN does not verify against the stored
// hash.
var ErrPinMismatch = errors.New("store: pin mismatch")

type pinConfig struct {
	PinHash string `json:"pinHash"`
}

// HashPin derives an argon2id hash of the PIN in PHC string form.
func HashPin(pin string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPin checks a PIN against an encoded hash. The digest comparison is
// constant-time. Returns ErrPinMismatch on a wrong PIN.
func VerifyPin(pin, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return errors.New("malformed pin hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return fmt.Errorf("malformed pin hash version: %w", err)
	}
	if version != argon2.Version {
		return fmt.Errorf("unsupported argon2 version %d", version)
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return fmt.Errorf("malformed pin hash params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("malformed pin hash salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("malformed pin hash digest: %w", err)
	}

	got := argon2.IDKey([]byte(pin), salt, iterations, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrPinMismatch
	}
	return nil
}

// PinHash returns the stored PIN hash, or "" when none has been set.
func (s *Store) PinHash() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cfg pinConfig
	if err := readJSON(s.path(pinFile), &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("loading pin config: %w", err)
	}
	return cfg.PinHash, nil
}

// SetPinHash persists a new PIN hash.
func (s *Store) SetPinHash(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSON(s.path(pinFile), pinConfig{PinHash: hash}, 0o600); err != nil {
		return fmt.Errorf("persisting pin config: %w", err)
	}
	s.logger.Info().Msg("pin hash updated")
	return nil
}
