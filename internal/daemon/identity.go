package daemon

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/concurrency"
	"github.com/armadahost/armada/internal/errkind"
	"github.com/armadahost/armada/internal/rpc"
)

// Identity is the daemon's registration with the control plane: the node
// id, the rolling nonce, and the certificate the control plane issued.
// The nonce is persisted before every authenticated call so a crash between
// rotation and persistence cannot strand the daemon with a stale nonce.
type Identity struct {
	conf   *Config
	key    *rsa.PrivateKey
	client *http.Client
	file   string

	// state is mutated only by the Run loop; published mirrors it for
	// readers on other goroutines and lets them watch for changes.
	state     identityState
	published concurrency.StateContainer[identityState]
}

type identityState struct {
	NodeID      uint   `toml:"node_id"`
	Nonce       string `toml:"nonce"`
	Approved    bool   `toml:"approved"`
	Certificate string `toml:"certificate"`
	CARoot      string `toml:"ca_root"`
}

func NewIdentity(conf *Config) (*Identity, error) {
	key, err := rpc.LoadOrCreateKey(conf.DataDir)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		conf:   conf,
		key:    key,
		client: &http.Client{Timeout: time.Second * 30},
		file:   filepath.Join(conf.DataDir, "state.toml"),
	}
	_, err = toml.DecodeFile(id.file, &id.state)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading identity state: %w", err)
	}
	id.published.Swap(id.state)
	return id, nil
}

func (i *Identity) Registered() bool {
	state := i.published.Get()
	return state.NodeID != 0 && state.Nonce != ""
}

func (i *Identity) Approved() bool {
	state := i.published.Get()
	return state.Approved && state.Certificate != ""
}

// WaitApproved blocks until the control plane has approved this node and
// issued a certificate. It returns false if ctx is canceled first.
func (i *Identity) WaitApproved(ctx context.Context) bool {
	watch := i.published.Watch(ctx)
	for {
		if i.Approved() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-watch:
		}
	}
}

// Certificate returns the issued certificate and CA root, both PEM.
func (i *Identity) Certificate() (cert, root string) {
	state := i.published.Get()
	return state.Certificate, state.CARoot
}

func (i *Identity) Key() *rsa.PrivateKey { return i.key }

// Run drives the protocol: register, poll until approved, then heartbeat.
// It blocks until ctx is canceled.
func (i *Identity) Run(ctx context.Context) {
	concurrency.RunLoop(ctx, nil, i.conf.HeartbeatInterval, time.Minute*5, func() bool {
		err := i.step(ctx)
		if err != nil {
			log.Printf("error talking to control plane: %s", err)
		}
		return err == nil
	})
}

func (i *Identity) step(ctx context.Context) error {
	if !i.Registered() {
		return i.register(ctx)
	}
	var err error
	if !i.Approved() {
		err = i.poll(ctx)
	} else {
		err = i.heartbeat(ctx)
	}
	if errkind.Classify(err) == errkind.Auth {
		// the control plane no longer recognizes us: start over
		log.Printf("control plane rejected our identity, re-registering")
		i.state = identityState{}
		i.published.Swap(i.state)
		return i.register(ctx)
	}
	return err
}

func (i *Identity) register(ctx context.Context) error {
	csr, err := rpc.NewCSR(i.key, i.conf.Name, nil)
	if err != nil {
		return err
	}
	req := &api.RegisterRequest{
		Name:     i.conf.Name,
		Location: i.conf.Location,
		URL:      i.conf.AdvertiseURL,
		CSR:      string(csr),
		Capacity: api.Capacity{
			CPUCores: i.conf.CPUCores,
			MemoryMB: i.conf.MemoryMB,
			DiskMB:   i.conf.DiskMB,
		},
	}

	headers := map[string]string{}
	if i.conf.JoinCode != "" {
		headers["X-Armada-Join-Code"] = i.conf.JoinCode
	} else {
		headers["X-Armada-Secret"] = i.conf.SharedSecret
	}

	resp := &api.RegisterResponse{}
	if err := i.post(ctx, "/nodes/agent/register", headers, req, resp); err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	i.state.NodeID = resp.NodeID
	i.state.Approved = false
	if err := i.commitNonce(resp.Nonce); err != nil {
		return err
	}
	log.Printf("registered as node %d (approved=%t)", resp.NodeID, resp.Approved)
	return nil
}

func (i *Identity) poll(ctx context.Context) error {
	resp := &api.PollResponse{}
	if err := i.signed(ctx, "/nodes/agent/poll", resp); err != nil {
		return fmt.Errorf("polling for approval: %w", err)
	}
	i.state.Approved = resp.Approved
	if resp.Certificate != "" {
		i.state.Certificate = resp.Certificate
		i.state.CARoot = resp.CARoot
		log.Printf("node approved, certificate received")
	}
	return i.commitNonce(resp.Nonce)
}

func (i *Identity) heartbeat(ctx context.Context) error {
	resp := &api.HeartbeatResponse{}
	if err := i.signed(ctx, "/nodes/agent/heartbeat", resp); err != nil {
		return fmt.Errorf("heartbeating: %w", err)
	}
	return i.commitNonce(resp.Nonce)
}

// signed posts a SignedRequest proving possession of our key.
func (i *Identity) signed(ctx context.Context, path string, out any) error {
	sig, err := rpc.SignNonce(i.key, i.state.Nonce)
	if err != nil {
		return err
	}
	req := &api.SignedRequest{NodeID: i.state.NodeID, Signature: sig}
	return i.post(ctx, path, nil, req, out)
}

func (i *Identity) post(ctx context.Context, path string, headers map[string]string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.conf.ServerURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range headers {
		req.Header.Set(key, val)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errkind.New(errkind.Auth, fmt.Errorf("%s: %s", resp.Status, body))
	}
	if resp.StatusCode >= 400 {
		envelope := &api.Error{}
		if json.Unmarshal(body, envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, envelope.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	return json.Unmarshal(body, out)
}

// commitNonce persists the rotated nonce immediately. Losing it means the
// next signature fails verification and we have to re-register.
func (i *Identity) commitNonce(nonce string) error {
	i.state.Nonce = nonce
	return i.persist()
}

func (i *Identity) persist() error {
	tmp := i.file + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(&i.state); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, i.file); err != nil {
		return err
	}
	i.published.Swap(i.state)
	return nil
}
