// Package crypto seals remote credentials so they can sit in a config file
// on the device. Values are encrypted with AES-256-GCM under a key derived
// from the device's machine id, so a copied file is useless elsewhere.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"
)

// SealedPrefix marks a sealed value in a config file.
const SealedPrefix = "sealed:"

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when no machine id is available.
	ErrInvalidKey = errors.New("invalid key")
)

// machineIDFiles are read in order by MachineID.
var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineID returns the systemd machine id, falling back to the hostname.
func MachineID() string {
	for _, path := range machineIDFiles {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, _ := os.Hostname()
	return hostname
}

// DeriveKey derives the 32-byte sealing key for machineID.
func DeriveKey(machineID string) []byte {
	sum := sha256.Sum256([]byte("cortex-edge:" + machineID))
	return sum[:]
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts value for machineID and returns it with SealedPrefix.
func Seal(value, machineID string) (string, error) {
	if machineID == "" {
		return "", ErrInvalidKey
	}
	gcm, err := newGCM(DeriveKey(machineID))
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(value), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Open returns the plaintext of a sealed value. Values without SealedPrefix
// are returned unchanged.
func Open(value, machineID string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if machineID == "" {
		return "", ErrInvalidKey
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	gcm, err := newGCM(DeriveKey(machineID))
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
