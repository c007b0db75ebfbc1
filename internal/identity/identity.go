// Package identity loads and persists the node's long-lived Ed25519 keypair.
// The public half, byte-for-byte, is the engine's PeerId (spec §3).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"runtime"
)

// CheckKeyFilePermissions verifies that a key file is not readable by group
// or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadOrCreate loads the Ed25519 private key at path, or generates and
// persists a new one if the file does not exist.
func LoadOrCreate(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("key file %s has unexpected length %d, want %d", path, len(data), ed25519.PrivateKeySize)
		}
		return ed25519.PrivateKey(data), nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s: %w", path, err)
	}

	return priv, nil
}

// PublicKeyFromKeyFile loads (or creates) the key file at path and returns
// its 32-byte public key — the engine's PeerId.
func PublicKeyFromKeyFile(path string) ([32]byte, error) {
	var out [32]byte
	priv, err := LoadOrCreate(path)
	if err != nil {
		return out, err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != 32 {
		return out, fmt.Errorf("unexpected public key type/length for %s", path)
	}
	copy(out[:], pub)
	return out, nil
}
