// Package crypto tests for credential sealing.
package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSealOpen_roundtrip verifies a sealed value opens on the same machine.
func TestSealOpen_roundtrip(t *testing.T) {
	sealed, err := Seal("wJalrXUtnFEMI/K7MDENG", "machine-a")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "wJalrXUtnFEMI")

	plain, err := Open(sealed, "machine-a")
	require.NoError(t, err)
	assert.Equal(t, "wJalrXUtnFEMI/K7MDENG", plain)
}

// TestSeal_randomNonce verifies sealing twice gives different output.
func TestSeal_randomNonce(t *testing.T) {
	a, err := Seal("token", "machine-a")
	require.NoError(t, err)
	b, err := Seal("token", "machine-a")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// TestOpen_wrongMachine verifies a copied value does not open elsewhere.
func TestOpen_wrongMachine(t *testing.T) {
	sealed, err := Seal("token", "machine-a")
	require.NoError(t, err)

	_, err = Open(sealed, "machine-b")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

// TestOpen_plaintextPassthrough verifies unsealed values are returned as is.
func TestOpen_plaintextPassthrough(t *testing.T) {
	plain, err := Open("AKIAEXAMPLE", "")
	require.NoError(t, err)
	assert.Equal(t, "AKIAEXAMPLE", plain)
}

// TestOpen_invalid verifies malformed and tampered values are rejected.
func TestOpen_invalid(t *testing.T) {
	_, err := Open(SealedPrefix+"!!not base64!!", "m")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = Open(SealedPrefix+"AAAA", "m")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	sealed, err := Seal("token", "m")
	require.NoError(t, err)
	tampered := sealed[:len(sealed)-4] + strings.Repeat("A", 4)
	_, err = Open(tampered, "m")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = Open(sealed, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Seal("token", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

// TestDeriveKey verifies keys are stable per machine and 32 bytes long.
func TestDeriveKey(t *testing.T) {
	assert.Len(t, DeriveKey("m"), 32)
	assert.Equal(t, DeriveKey("m"), DeriveKey("m"))
	assert.NotEqual(t, DeriveKey("m"), DeriveKey("n"))
}

// TestMachineID verifies the id file is preferred over the hostname.
func TestMachineID(t *testing.T) {
	saved := machineIDFiles
	defer func() { machineIDFiles = saved }()

	dir := t.TempDir()
	idFile := filepath.Join(dir, "machine-id")
	require.NoError(t, os.WriteFile(idFile, []byte("abc123\n"), 0o644))

	machineIDFiles = []string{filepath.Join(dir, "missing"), idFile}
	assert.Equal(t, "abc123", MachineID())

	machineIDFiles = []string{filepath.Join(dir, "missing")}
	host, _ := os.Hostname()
	assert.Equal(t, host, MachineID())
}
