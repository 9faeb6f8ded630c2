package daemon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/errkind"
	"github.com/armadahost/armada/internal/rpc"
)

// Manager is the engine surface the API exposes.
type Manager interface {
	Provision(ctx context.Context, req *api.ProvisionRequest) (*api.ProvisionResponse, error)
	Start(ctx context.Context, workloadID uint) error
	Stop(ctx context.Context, workloadID uint) error
	Restart(ctx context.Context, workloadID uint) error
	Delete(ctx context.Context, workloadID uint) error
	DeleteByName(ctx context.Context, name string) error
	Inventory(ctx context.Context) ([]api.InventoryItem, error)
}

// NewAPIHandler builds the daemon's API surface. Every route is guarded by
// peer auth: the control plane presents either its client certificate or
// the configured API key.
func NewAPIHandler(engine Manager, roots *x509.CertPool, apiKey string) http.Handler {
	router := httprouter.New()

	router.POST("/provision", rpc.WithPeerAuth(roots, apiKey, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		req := &api.ProvisionRequest{}
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := engine.Provision(r.Context(), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		json.NewEncoder(w).Encode(resp)
	}))

	lifecycle := func(fn func(r *http.Request, id uint) error) httprouter.Handle {
		return rpc.WithPeerAuth(roots, apiKey, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
			id, err := strconv.ParseUint(p.ByName("id"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid workload id %q", p.ByName("id")))
				return
			}
			if err := fn(r, uint(id)); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}

	router.POST("/start/:id", lifecycle(func(r *http.Request, id uint) error {
		return engine.Start(r.Context(), id)
	}))
	router.POST("/stop/:id", lifecycle(func(r *http.Request, id uint) error {
		return engine.Stop(r.Context(), id)
	}))
	router.POST("/restart/:id", lifecycle(func(r *http.Request, id uint) error {
		return engine.Restart(r.Context(), id)
	}))
	router.DELETE("/delete/:id", lifecycle(func(r *http.Request, id uint) error {
		return engine.Delete(r.Context(), id)
	}))

	router.DELETE("/delete/name/:name", rpc.WithPeerAuth(roots, apiKey, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := engine.DeleteByName(r.Context(), p.ByName("name")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	router.GET("/inventory", rpc.WithPeerAuth(roots, apiKey, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		items, err := engine.Inventory(r.Context())
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		json.NewEncoder(w).Encode(&api.InventoryResponse{Items: items})
	}))

	router.GET("/health", rpc.WithPeerAuth(roots, apiKey, func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	}))

	return rpc.WithLogging(router)
}

// writeError sends the envelope the orchestrator classifies by Code.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	envelope := &api.Error{Error: err.Error()}
	kerr := &errkind.Error{}
	if errors.As(err, &kerr) {
		envelope.Code = string(kerr.Kind)
	}
	json.NewEncoder(w).Encode(envelope)
}

func statusFor(err error) int {
	switch errkind.Classify(err) {
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.AlreadyInState:
		return http.StatusConflict
	case errkind.ImageUnresolvable:
		return http.StatusUnprocessableEntity
	case errkind.DiskFull, errkind.OutOfMemory:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

// Serve runs the daemon API over TLS with the identity's issued certificate.
func Serve(conf *Config, engine *Engine, ident *Identity) error {
	certPEM, rootPEM := ident.Certificate()
	if certPEM == "" {
		return errors.New("no certificate issued yet")
	}
	keyPEM, err := rpc.EncodeKeyPEM(ident.Key())
	if err != nil {
		return err
	}
	cert, err := tls.X509KeyPair([]byte(certPEM), keyPEM)
	if err != nil {
		return fmt.Errorf("loading issued certificate: %w", err)
	}
	roots, ok := rpc.RootPool([]byte(rootPEM))
	if !ok {
		return errors.New("invalid CA root")
	}

	svr := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Port),
		Handler: NewAPIHandler(engine, roots, conf.APIKey),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	}
	log.Printf("serving daemon API on :%d", conf.Port)
	return svr.ListenAndServeTLS("", "")
}
