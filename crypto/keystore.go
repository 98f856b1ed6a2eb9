package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

var (
	errNilKey       = errors.New("crypto: nil private key")
	errEmptyPath    = errors.New("crypto: empty keystore path")
	errNoKeyWritten = errors.New("crypto: keystore produced no key file")
)

// ScryptStrength selects the key derivation cost of new keystore files.
type ScryptStrength int

const (
	ScryptStandard ScryptStrength = iota
	// ScryptLight is intended for tests and throwaway operator keys.
	ScryptLight
)

func (s ScryptStrength) params() (int, int) {
	if s == ScryptLight {
		return keystore.LightScryptN, keystore.LightScryptP
	}
	return keystore.StandardScryptN, keystore.StandardScryptP
}

// SaveToKeystore writes the operator key to a v3 keystore file at path using
// the standard scrypt cost.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	return SaveToKeystoreWithStrength(path, key, passphrase, ScryptStandard)
}

// SaveToKeystoreWithStrength writes key to path, creating the parent
// directory with 0700 permissions. The file is written to a temporary
// directory first and renamed into place.
func SaveToKeystoreWithStrength(path string, key *PrivateKey, passphrase string, strength ScryptStrength) error {
	if key == nil {
		return errNilKey
	}
	if path == "" {
		return errEmptyPath
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmpDir, err := os.MkdirTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	n, p := strength.params()
	ks := keystore.NewKeyStore(tmpDir, n, p)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return fmt.Errorf("crypto: import key: %w", err)
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errNoKeyWritten
	}
	src := filepath.Join(tmpDir, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts the keystore file at path.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errEmptyPath
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadIdentity decrypts the keystore at path and returns the operator identity.
func LoadIdentity(path, passphrase string) (Identity, error) {
	key, err := LoadFromKeystore(path, passphrase)
	if err != nil {
		return Identity{}, err
	}
	return key.Identity(), nil
}
