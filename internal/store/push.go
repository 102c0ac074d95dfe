package store

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	vapidFile         = "vapid.json"
	subscriptionsFile = "push-subscriptions.json"
)

// VAPIDKeys is the Web Push signing key pair (raw P-256 scalars/points,
// base64url without padding).
type VAPIDKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// SubscriptionKeys are the client-provided Web Push encryption keys.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription binds a push endpoint to a paired device. At most one per
// device; re-registering replaces.
type PushSubscription struct {
	DeviceID  string           `json:"deviceId"`
	Endpoint  string           `json:"endpoint"`
	Keys      SubscriptionKeys `json:"keys"`
	CreatedAt time.Time        `json:"createdAt"`
}

// VAPIDKeys returns the stored key pair; ok=false before first mint.
func (s *Store) VAPIDKeys() (VAPIDKeys, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys VAPIDKeys
	if err := readJSON(s.path(vapidFile), &keys); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return VAPIDKeys{}, false, nil
		}
		return VAPIDKeys{}, false, fmt.Errorf("loading vapid keys: %w", err)
	}
	return keys, true, nil
}

// SetVAPIDKeys persists the Web Push signing keys.
func (s *Store) SetVAPIDKeys(keys VAPIDKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSON(s.path(vapidFile), keys, 0o600); err != nil {
		return fmt.Errorf("persisting vapid keys: %w", err)
	}
	return nil
}

// Subscriptions returns all registered push subscriptions.
func (s *Store) Subscriptions() ([]PushSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readSubscriptions()
}

// SaveSubscription registers a push subscription, replacing any prior one
// for the same device.
func (s *Store) SaveSubscription(sub PushSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.readSubscriptions()
	if err != nil {
		return err
	}
	kept := subs[:0]
	for _, existing := range subs {
		if existing.DeviceID != sub.DeviceID {
			kept = append(kept, existing)
		}
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	kept = append(kept, sub)
	if err := writeJSON(s.path(subscriptionsFile), kept, 0o600); err != nil {
		return fmt.Errorf("persisting subscriptions: %w", err)
	}

	s.logger.Info().Str("device_id", sub.DeviceID).Msg("push subscription saved")
	return nil
}

// RemoveSubscription drops a device's subscription. Unknown ids are a no-op.
func (s *Store) RemoveSubscription(deviceID string) error {
	return s.removeSubscriptions(func(sub PushSubscription) bool {
		return sub.DeviceID == deviceID
	})
}

// RemoveSubscriptionByEndpoint drops whichever subscription posts to the
// given endpoint. Used when a push service reports the endpoint gone.
func (s *Store) RemoveSubscriptionByEndpoint(endpoint string) error {
	return s.removeSubscriptions(func(sub PushSubscription) bool {
		return sub.Endpoint == endpoint
	})
}

func (s *Store) removeSubscriptions(match func(PushSubscription) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.readSubscriptions()
	if err != nil {
		return err
	}
	kept := subs[:0]
	for _, sub := range subs {
		if !match(sub) {
			kept = append(kept, sub)
		}
	}
	if len(kept) == len(subs) {
		return nil
	}
	if err := writeJSON(s.path(subscriptionsFile), kept, 0o600); err != nil {
		return fmt.Errorf("persisting subscriptions: %w", err)
	}
	return nil
}

func (s *Store) readSubscriptions() ([]PushSubscription, error) {
	var subs []PushSubscription
	if err := readJSON(s.path(subscriptionsFile), &subs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}
	return subs, nil
}
