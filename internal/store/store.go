// Package store persists all durable server state as JSON files under a
// single config directory: the server identity, paired devices, the PIN hash,
// per-project conversations, and Web Push state.
//
// Layout:
//
//	server.json                      {privateKey, publicKey, pairingToken|null}
//	devices.json                     [{id, publicKey, sharedSecret, createdAt}]
//	config.json                      {pinHash}
//	projects/{id}/conversation.json  {projectId, messages[], agentSessionId, updatedAt}
//	vapid.json                       {publicKey, privateKey}
//	push-subscriptions.json          [{deviceId, endpoint, keys, createdAt}]
//
// Every write is a full-file rewrite through a temp file + rename, so a crash
// never leaves a half-written file behind. Project ids are validated by the
// caller before they reach this package.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Store manages the on-disk JSON state.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu     sync.RWMutex // identity, devices, pin, push state
	convMu keyedMutex   // per-project conversation serialization
}

// New opens (or creates) the config directory. An empty dir selects the
// platform default: user config dir + "claude-remote".
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving user config dir: %w", err)
		}
		dir = filepath.Join(base, "claude-remote")
	}
	if err := os.MkdirAll(filepath.Join(dir, "projects"), 0o700); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Dir returns the config directory the store operates on.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// readJSON decodes path into v. The error wraps os.ErrNotExist for missing
// files so callers can treat those as empty state.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON atomically replaces path with the JSON encoding of v.
func writeJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("setting mode on %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// keyedMutex hands out one mutex per key so conversations for different
// projects never block each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}
