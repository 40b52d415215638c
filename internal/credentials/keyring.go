package credentials

import (
	"errors"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrKeyringNotAvailable is returned when the OS has no usable secret service
// (for example a headless container without D-Bus).
var ErrKeyringNotAvailable = errors.New("system keyring not available")

// ErrSecretNotFound is returned by Get and Delete for a missing entry
var ErrSecretNotFound = errors.New("secret not found in keyring")

// Keyring is the subset of an OS keyring the session store needs
type Keyring interface {
	Set(service, account, secret string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// systemKeyring stores secrets through github.com/zalando/go-keyring.
// Tests call keyring.MockInit() to swap in the library's in-memory provider.
type systemKeyring struct{}

// Set stores a secret in the system keyring
func (systemKeyring) Set(service, account, secret string) error {
	return translateKeyringError(keyring.Set(service, account, secret))
}

// Get retrieves a secret from the system keyring
func (systemKeyring) Get(service, account string) (string, error) {
	secret, err := keyring.Get(service, account)
	return secret, translateKeyringError(err)
}

// Delete removes a secret from the system keyring
func (systemKeyring) Delete(service, account string) error {
	return translateKeyringError(keyring.Delete(service, account))
}

// translateKeyringError maps go-keyring failures onto this package's errors
func translateKeyringError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, keyring.ErrNotFound):
		return ErrSecretNotFound
	case errors.Is(err, keyring.ErrUnsupportedPlatform),
		strings.Contains(err.Error(), "org.freedesktop.secrets"),
		strings.Contains(err.Error(), "dbus"):
		return ErrKeyringNotAvailable
	}
	return err
}
