// Package ca signs node certificate requests against a locally persisted
// root. The self-signed bootstrap root is a deliberate convenience for
// single-instance deployments, not a posture for production PKI.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/armadahost/armada/internal/rpc"
)

const (
	rootValidity = time.Hour * 24 * 365 * 10
	leafValidity = time.Hour * 24 * 730 // ~2 years
)

// CA holds the root key and certificate.
type CA struct {
	key     *rsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
}

// Load reads the root material from dir, generating and persisting a
// self-signed root on first use. Callers must treat an error as fatal: the
// control plane cannot serve without identity material.
func Load(dir string) (*CA, error) {
	dir = filepath.Join(dir, "ca")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	var (
		certFile = filepath.Join(dir, "root-cert.pem")
		keyFile  = filepath.Join(dir, "root-key.pem")
	)

	certPEM, certErr := os.ReadFile(certFile)
	keyPEM, keyErr := os.ReadFile(keyFile)
	if certErr == nil && keyErr == nil {
		return parse(certPEM, keyPEM)
	}
	if !os.IsNotExist(certErr) && certErr != nil {
		return nil, certErr
	}
	if !os.IsNotExist(keyErr) && keyErr != nil {
		return nil, keyErr
	}

	certPEM, keyPEM, err := genRoot()
	if err != nil {
		return nil, fmt.Errorf("generating root: %w", err)
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing root cert: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing root key: %w", err)
	}

	return parse(certPEM, keyPEM)
}

func parse(certPEM, keyPEM []byte) (*CA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("no PEM block in root certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("no PEM block in root key")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing root key: %w", err)
	}

	return &CA{key: key, cert: cert, certPEM: certPEM}, nil
}

func genRoot() ([]byte, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "armada-root"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// RootCertificate returns the PEM-encoded root.
func (c *CA) RootCertificate() []byte { return c.certPEM }

// RootPool returns a pool containing only this CA's root.
func (c *CA) RootPool() *x509.CertPool {
	pool, _ := rpc.RootPool(c.certPEM)
	return pool
}

// SignRequest validates the CSR's self-signature and issues a leaf
// certificate, copying the requested SANs so hostname verification of the
// daemon API succeeds.
func (c *CA) SignRequest(csrPEM []byte) ([]byte, error) {
	csr, err := rpc.ParseCSR(csrPEM)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, c.cert, csr.PublicKey, c.key)
	if err != nil {
		return nil, fmt.Errorf("issuing certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// Fingerprint returns the key fingerprint of a CSR's public key.
func Fingerprint(csrPEM []byte) (string, error) {
	csr, err := rpc.ParseCSR(csrPEM)
	if err != nil {
		return "", err
	}
	return rpc.KeyFingerprint(csr.PublicKey)
}

// Verify checks a base64 signature over message against the public key in
// the CSR. This is how daemons prove key possession without moving secrets
// across the wire.
func Verify(csrPEM []byte, message, signature string) error {
	csr, err := rpc.ParseCSR(csrPEM)
	if err != nil {
		return err
	}
	pub, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("certificate request does not carry an RSA key")
	}
	return rpc.VerifyNonce(pub, message, signature)
}

// IssueClientCert issues the control plane a short-lived client certificate
// for mutual TLS with daemons.
func (c *CA) IssueClientCert(commonName string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, c.cert, &key.PublicKey, c.key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return tls.X509KeyPair(certPEM, keyPEM)
}
