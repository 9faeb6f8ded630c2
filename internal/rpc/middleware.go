package rpc

import (
	"crypto/subtle"
	"crypto/x509"
	"log"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// WithPeerAuth admits requests carrying a client certificate that chains to
// roots, or the configured API key when one is set. Everything else is 403.
func WithPeerAuth(roots *x509.CertPool, apiKey string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if apiKey != "" {
			got := r.Header.Get("X-Armada-Key")
			if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) == 1 {
				next(w, r, ps)
				return
			}
		}

		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			w.WriteHeader(401)
			return
		}

		opts := x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		if _, err := r.TLS.PeerCertificates[0].Verify(opts); err != nil {
			w.WriteHeader(403)
			return
		}

		next(w, r, ps)
	}
}

func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wp := &responseProxy{ResponseWriter: w}
		next.ServeHTTP(wp, r)
		log.Printf("%s %s - %d (%s)", r.Method, r.URL, wp.Status, r.RemoteAddr)
	})
}

// responseProxy is an annoying necessity to retain the response status for logging purposes.
type responseProxy struct {
	http.ResponseWriter
	Status int
}

func (r *responseProxy) WriteHeader(status int) {
	r.Status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseProxy) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
