package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"
)

// NewMutualClient returns the HTTP client the control plane uses to call
// daemon APIs: it presents a CA-issued client certificate and verifies the
// daemon's serving certificate against the same CA root.
func NewMutualClient(cert tls.Certificate, roots *x509.CertPool, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSHandshakeTimeout: time.Second * 15,
			TLSClientConfig: &tls.Config{
				RootCAs:      roots,
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		},
	}
}

// NewAPIKeyClient returns an HTTP client that authenticates every request
// with a static key header instead of a client certificate. The daemon's
// serving cert is still verified against the CA root. This is the fallback
// for environments where distributing client certs is impractical.
func NewAPIKeyClient(key string, roots *x509.CertPool, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &keyedTransport{
			key: key,
			next: &http.Transport{
				TLSHandshakeTimeout: time.Second * 15,
				TLSClientConfig: &tls.Config{
					RootCAs:    roots,
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

type keyedTransport struct {
	key  string
	next http.RoundTripper
}

func (t *keyedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("X-Armada-Key", t.key)
	return t.next.RoundTrip(r)
}

// RootPool builds a cert pool from a PEM-encoded CA root.
func RootPool(rootPEM []byte) (*x509.CertPool, bool) {
	pool := x509.NewCertPool()
	ok := pool.AppendCertsFromPEM(rootPEM)
	return pool, ok
}
