package identity

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreate_GeneratesNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	id, err := LoadOrCreate(path, "")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if len(id.PublicKey()) != ed25519.PublicKeySize {
		t.Fatalf("public key length = %d, want %d", len(id.PublicKey()), ed25519.PublicKeySize)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadOrCreate_LoadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	first, err := LoadOrCreate(path, "")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := LoadOrCreate(path, "")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.Address() != second.Address() {
		t.Errorf("address changed across loads: %s != %s", first.Address(), second.Address())
	}
}

func TestLoadOrCreate_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(path, ""); err == nil {
		t.Fatal("expected error for corrupt key file")
	}
}

func TestLoadOrCreate_Sealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	id, err := LoadOrCreate(path, "correct horse")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !isSealed(data) {
		t.Fatal("key file is not sealed")
	}

	if _, err := LoadOrCreate(path, ""); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("load without passphrase: err = %v, want ErrPassphraseRequired", err)
	}
	if _, err := LoadOrCreate(path, "wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("load with wrong passphrase: err = %v, want ErrWrongPassphrase", err)
	}

	again, err := LoadOrCreate(path, "correct horse")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Address() != id.Address() {
		t.Errorf("address changed across sealed loads")
	}
}

func TestAddress(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	addr := id.Address()
	if len(addr) != 32 {
		t.Errorf("address length = %d, want 32", len(addr))
	}
	if addr != strings.ToLower(addr) || strings.Contains(addr, "::") {
		t.Errorf("address %q is not a lowercase base32 string", addr)
	}
	if AddressOf(id.PublicKey()) != addr {
		t.Error("AddressOf disagrees with Address")
	}

	msg := []byte("challenge")
	if !ed25519.Verify(id.PublicKey(), msg, id.Sign(msg)) {
		t.Error("signature does not verify")
	}
}
