// Package credentials stores per-host connection settings in the
// operating system keyring. Passwords are deliberately excluded: the
// caller asks the user and holds them in memory for the session only.
package credentials

import (
	"encoding/json"
	"sync"

	baseerrors "errors"

	"github.com/efficientgo/core/errors"
	"github.com/zalando/go-keyring"
)

const service = "usbipmgr"

// ErrNotFound is returned when no credentials are stored for a host.
var ErrNotFound = errors.New("no stored credentials for host")

// Credentials is what the core remembers about connecting to a host.
type Credentials struct {
	Username      string `json:"username"`
	Port          int    `json:"port,omitempty"`
	AcceptHostKey bool   `json:"accept_host_key"`
}

// Store persists credentials keyed by host.
type Store interface {
	Get(host string) (Credentials, error)
	Set(host string, c Credentials) error
	Delete(host string) error
}

// Keyring stores credentials in the OS keyring, JSON-encoded under the
// host name.
type Keyring struct{}

func NewKeyring() Keyring { return Keyring{} }

func (Keyring) Get(host string) (Credentials, error) {
	raw, err := keyring.Get(service, host)
	if err != nil {
		if baseerrors.Is(err, keyring.ErrNotFound) {
			return Credentials{}, ErrNotFound
		}
		return Credentials{}, errors.Wrapf(err, "reading keyring entry for %s", host)
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, errors.Wrapf(err, "corrupt keyring entry for %s", host)
	}
	return c, nil
}

func (Keyring) Set(host string, c Credentials) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding credentials")
	}
	if err := keyring.Set(service, host, string(raw)); err != nil {
		return errors.Wrapf(err, "writing keyring entry for %s", host)
	}
	return nil
}

func (Keyring) Delete(host string) error {
	if err := keyring.Delete(service, host); err != nil && !baseerrors.Is(err, keyring.ErrNotFound) {
		return errors.Wrapf(err, "deleting keyring entry for %s", host)
	}
	return nil
}

// Memory is an in-memory Store for tests and for systems without a
// usable keyring.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Credentials
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]Credentials{}}
}

func (m *Memory) Get(host string) (Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.entries[host]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) Set(host string, c Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[host] = c
	return nil
}

func (m *Memory) Delete(host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, host)
	return nil
}
