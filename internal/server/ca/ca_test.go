package ca

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadahost/armada/internal/rpc"
)

func TestLoadBootstrapAndReload(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first.RootCertificate())

	second, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, first.RootCertificate(), second.RootCertificate(), "root must persist across restarts")

	block, _ := pem.Decode(first.RootCertificate())
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
}

func TestSignRequest(t *testing.T) {
	authority, err := Load(t.TempDir())
	require.NoError(t, err)

	key, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csr, err := rpc.NewCSR(key, "node-1", []string{"node1.fleet.example"})
	require.NoError(t, err)

	leafPEM, err := authority.SignRequest(csr)
	require.NoError(t, err)

	block, _ := pem.Decode(leafPEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Contains(t, leaf.DNSNames, "node1.fleet.example", "SANs must be copied from the CSR")

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     authority.RootPool(),
		DNSName:   "node1.fleet.example",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err, "leaf must chain to the root")
}

func TestSignRequestRejectsGarbage(t *testing.T) {
	authority, err := Load(t.TempDir())
	require.NoError(t, err)

	_, err = authority.SignRequest([]byte("not a csr"))
	assert.Error(t, err)
}

func TestFingerprintAndVerify(t *testing.T) {
	key, err := rpc.LoadOrCreateKey(t.TempDir())
	require.NoError(t, err)
	csr, err := rpc.NewCSR(key, "node-1", nil)
	require.NoError(t, err)

	fp, err := Fingerprint(csr)
	require.NoError(t, err)
	assert.Len(t, fp, 64)

	sig, err := rpc.SignNonce(key, "the-nonce")
	require.NoError(t, err)
	assert.NoError(t, Verify(csr, "the-nonce", sig))
	assert.Error(t, Verify(csr, "another-nonce", sig))
}

func TestIssueClientCert(t *testing.T) {
	authority, err := Load(t.TempDir())
	require.NoError(t, err)

	cert, err := authority.IssueClientCert("controller")
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     authority.RootPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	assert.NoError(t, err)
}
