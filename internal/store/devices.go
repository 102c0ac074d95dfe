package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"
)

const devicesFile = "devices.json"

// Device is a paired client: its public key and the ECDH-derived AES session
// key used for every WebSocket frame it exchanges with the server.
type Device struct {
	ID           string    `json:"id"`
	PublicKey    string    `json:"publicKey"`
	SharedSecret string    `json:"sharedSecret"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewDeviceID returns a fresh device id: 8 random bytes, hex-encoded.
func NewDeviceID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating device id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Devices returns all paired devices. A missing file means none.
func (s *Store) Devices() ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readDevices()
}

// HasDevices reports whether at least one device is paired.
func (s *Store) HasDevices() (bool, error) {
	devices, err := s.Devices()
	if err != nil {
		return false, err
	}
	return len(devices) > 0, nil
}

// DeviceByID looks up a device. The second return reports existence.
func (s *Store) DeviceByID(id string) (Device, bool, error) {
	devices, err := s.Devices()
	if err != nil {
		return Device{}, false, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, true, nil
		}
	}
	return Device{}, false, nil
}

// AddDevice appends a paired device, stamping CreatedAt when unset.
func (s *Store) AddDevice(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.readDevices()
	if err != nil {
		return err
	}
	for _, existing := range devices {
		if existing.ID == d.ID {
			return fmt.Errorf("device %s already exists", d.ID)
		}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	devices = append(devices, d)
	if err := writeJSON(s.path(devicesFile), devices, 0o600); err != nil {
		return fmt.Errorf("persisting devices: %w", err)
	}

	s.logger.Info().Str("device_id", d.ID).Msg("device paired")
	return nil
}

// RemoveDevice unpairs a device. Removing an unknown id is a no-op.
func (s *Store) RemoveDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.readDevices()
	if err != nil {
		return err
	}
	kept := devices[:0]
	for _, d := range devices {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(devices) {
		return nil
	}
	if err := writeJSON(s.path(devicesFile), kept, 0o600); err != nil {
		return fmt.Errorf("persisting devices: %w", err)
	}

	s.logger.Info().Str("device_id", id).Msg("device unpaired")
	return nil
}

func (s *Store) readDevices() ([]Device, error) {
	var devices []Device
	if err := readJSON(s.path(devicesFile), &devices); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading devices: %w", err)
	}
	return devices, nil
}
