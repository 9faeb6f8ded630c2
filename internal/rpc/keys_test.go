package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKey(t *testing.T) {
	dir := t.TempDir()

	key, err := LoadOrCreateKey(dir)
	require.NoError(t, err)

	initial, err := KeyFingerprint(&key.PublicKey)
	require.NoError(t, err)
	assert.Len(t, initial, 64)

	// the same key is loaded on subsequent calls
	key, err = LoadOrCreateKey(dir)
	require.NoError(t, err)
	loaded, err := KeyFingerprint(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, initial, loaded)
}

func TestFingerprintStableAcrossCSRs(t *testing.T) {
	key, err := LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)

	csrA, err := NewCSR(key, "node-a", []string{"a.example"})
	require.NoError(t, err)
	csrB, err := NewCSR(key, "node-a", []string{"b.example"})
	require.NoError(t, err)
	assert.NotEqual(t, csrA, csrB)

	parsedA, err := ParseCSR(csrA)
	require.NoError(t, err)
	parsedB, err := ParseCSR(csrB)
	require.NoError(t, err)

	fpA, err := KeyFingerprint(parsedA.PublicKey)
	require.NoError(t, err)
	fpB, err := KeyFingerprint(parsedB.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestSignVerifyNonce(t *testing.T) {
	key, err := LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)

	sig, err := SignNonce(key, "nonce-1")
	require.NoError(t, err)

	assert.NoError(t, VerifyNonce(&key.PublicKey, "nonce-1", sig))
	assert.Error(t, VerifyNonce(&key.PublicKey, "nonce-2", sig), "signature must not verify against another nonce")

	other, err := LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, VerifyNonce(&other.PublicKey, "nonce-1", sig), "signature must not verify under another key")
}
