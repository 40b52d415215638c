package credentials

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

// TestSystemKeyringSetGetDelete runs the go-keyring backed implementation
// against the library's in-memory provider.
func TestSystemKeyringSetGetDelete(t *testing.T) {
	keyring.MockInit()
	var k Keyring = systemKeyring{}

	if err := k.Set("todocal-test", "session", "secret"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := k.Get("todocal-test", "session")
	if err != nil || got != "secret" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if err := k.Delete("todocal-test", "session"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := k.Get("todocal-test", "session"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrSecretNotFound", err)
	}
	if err := k.Delete("todocal-test", "session"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("second Delete() error = %v, want ErrSecretNotFound", err)
	}
}

func TestTranslateKeyringError(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{nil, nil},
		{keyring.ErrNotFound, ErrSecretNotFound},
		{keyring.ErrUnsupportedPlatform, ErrKeyringNotAvailable},
		{errors.New("The name org.freedesktop.secrets was not provided by any .service files"), ErrKeyringNotAvailable},
	}
	for _, tt := range tests {
		if got := translateKeyringError(tt.in); !errors.Is(got, tt.want) && got != tt.want {
			t.Errorf("translateKeyringError(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	other := errors.New("locked")
	if got := translateKeyringError(other); got != other {
		t.Errorf("unknown errors should pass through, got %v", got)
	}
}
