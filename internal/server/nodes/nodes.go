// Package nodes implements the control-plane half of the node identity
// protocol: registration, approval, certificate delivery, and heartbeats.
package nodes

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/concurrency"
	"github.com/armadahost/armada/internal/server/ca"
	"github.com/armadahost/armada/internal/server/events"
	"github.com/armadahost/armada/internal/server/store"
)

var (
	// ErrAuthentication covers bad secrets, bad join codes, and bad
	// signatures. Handlers map it to 401 and nothing is mutated.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNoCSR is returned when approving a node that never submitted
	// certificate material.
	ErrNoCSR = errors.New("node has no certificate request on file")

	// ErrHasWorkloads blocks node deletion while workloads reference it.
	ErrHasWorkloads = errors.New("node still has workloads assigned")
)

// Config for the node service.
type Config struct {
	SharedSecret string
	AutoApprove  bool
	// OnlineThreshold is how stale a heartbeat may be before the liveness
	// monitor flips the node offline.
	OnlineThreshold time.Duration
	// SweepInterval is how often the liveness monitor runs.
	SweepInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.OnlineThreshold == 0 {
		out.OnlineThreshold = time.Second * 120
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = time.Second * 30
	}
	return out
}

type Service struct {
	db   *gorm.DB
	ca   *ca.CA
	bus  *events.Bus
	conf Config
}

func NewService(db *gorm.DB, authority *ca.CA, bus *events.Bus, conf Config) *Service {
	return &Service{db: db, ca: authority, bus: bus, conf: conf.withDefaults()}
}

// Register handles a daemon's registration attempt. Exactly one of secret or
// joinCode must authenticate it; the join code wins when both are given and
// is consumed atomically with the node upsert. Nodes are keyed by key
// fingerprint (falling back to URL) so redeploys re-register cleanly.
func (s *Service) Register(req *api.RegisterRequest, secret, joinCode string) (*api.RegisterResponse, error) {
	fingerprint, err := ca.Fingerprint([]byte(req.CSR))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthentication, err)
	}

	resp := &api.RegisterResponse{}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var code *store.JoinCode
		if joinCode != "" {
			code = &store.JoinCode{}
			err := tx.Where("code = ? AND used = ? AND expires_at > ?", joinCode, false, time.Now()).
				First(code).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: invalid or expired join code", ErrAuthentication)
			}
			if err != nil {
				return err
			}
		} else if s.conf.SharedSecret == "" ||
			subtle.ConstantTimeCompare([]byte(secret), []byte(s.conf.SharedSecret)) != 1 {
			return fmt.Errorf("%w: bad shared secret", ErrAuthentication)
		}

		node := &store.Node{}
		err := tx.Where("fingerprint = ? OR url = ?", fingerprint, req.URL).First(node).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			node = &store.Node{Status: store.NodeStatusPending}
		} else if err != nil {
			return err
		}
		if node.ID != 0 && node.Fingerprint != fingerprint {
			// matched by URL with a new keypair: the old approval and
			// certificate do not transfer to a key we have never seen
			node.Approved = false
			node.Certificate = ""
			node.Status = store.NodeStatusPending
		}

		node.Name = req.Name
		node.Location = req.Location
		node.URL = req.URL
		node.CPUCores = req.Capacity.CPUCores
		node.MemoryMB = req.Capacity.MemoryMB
		node.DiskMB = req.Capacity.DiskMB
		node.CSR = req.CSR
		node.Fingerprint = fingerprint
		node.Nonce = newNonce()

		if s.conf.AutoApprove && !node.Approved {
			certPEM, err := s.ca.SignRequest([]byte(req.CSR))
			if err != nil {
				return fmt.Errorf("auto-approving node: %w", err)
			}
			node.Certificate = string(certPEM)
			node.Approved = true
			node.Status = store.NodeStatusApproved
		}

		if err := tx.Save(node).Error; err != nil {
			return err
		}

		if code != nil {
			code.Used = true
			code.NodeID = &node.ID
			if err := tx.Save(code).Error; err != nil {
				return err
			}
		}

		resp.NodeID = node.ID
		resp.Approved = node.Approved
		resp.Nonce = node.Nonce
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("registered node %d (%s) approved=%t", resp.NodeID, req.URL, resp.Approved)
	return resp, nil
}

// Poll is called repeatedly by daemons waiting for approval. The signature
// must cover the node's current nonce; every successful poll rotates it.
func (s *Service) Poll(req *api.SignedRequest) (*api.PollResponse, error) {
	node, err := s.verify(req)
	if err != nil {
		return nil, err
	}

	resp := &api.PollResponse{Approved: node.Approved}
	if node.Approved {
		resp.Certificate = node.Certificate
		resp.CARoot = string(s.ca.RootCertificate())
	}

	node.Nonce = newNonce()
	resp.Nonce = node.Nonce
	return resp, s.db.Save(node).Error
}

// Heartbeat updates liveness and rotates the nonce. A node only becomes
// online once approved.
func (s *Service) Heartbeat(req *api.SignedRequest) (*api.HeartbeatResponse, error) {
	node, err := s.verify(req)
	if err != nil {
		return nil, err
	}

	node.LastSeenAt = time.Now()
	if node.Approved && node.Status != store.NodeStatusOnline {
		node.Status = store.NodeStatusOnline
		s.bus.Publish(events.SubjectNodeStatus, &events.NodeStatusEvent{NodeID: node.ID, Status: node.Status})
	}
	node.Nonce = newNonce()

	if err := s.db.Save(node).Error; err != nil {
		return nil, err
	}
	return &api.HeartbeatResponse{Nonce: node.Nonce}, nil
}

// verify loads the node and checks the request signature against the stored
// nonce. Nothing is mutated on failure, so a replayed signature over a
// superseded nonce is rejected without side effects.
func (s *Service) verify(req *api.SignedRequest) (*store.Node, error) {
	node := &store.Node{}
	if err := s.db.First(node, req.NodeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown node %d", ErrAuthentication, req.NodeID)
		}
		return nil, err
	}
	if node.CSR == "" || node.Nonce == "" {
		return nil, fmt.Errorf("%w: node %d has no identity material", ErrAuthentication, req.NodeID)
	}
	if err := ca.Verify([]byte(node.CSR), node.Nonce, req.Signature); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuthentication, err)
	}
	return node, nil
}

// Approve signs the node's CSR and flips it to approved. Operator action.
func (s *Service) Approve(nodeID uint) error {
	node := &store.Node{}
	if err := s.db.First(node, nodeID).Error; err != nil {
		return err
	}
	if node.CSR == "" {
		return ErrNoCSR
	}

	certPEM, err := s.ca.SignRequest([]byte(node.CSR))
	if err != nil {
		return fmt.Errorf("signing certificate request: %w", err)
	}

	node.Certificate = string(certPEM)
	node.Approved = true
	if node.Status == store.NodeStatusPending {
		node.Status = store.NodeStatusApproved
	}
	if err := s.db.Save(node).Error; err != nil {
		return err
	}

	s.bus.Publish(events.SubjectNodeStatus, &events.NodeStatusEvent{NodeID: node.ID, Status: node.Status})
	log.Printf("approved node %d (%s)", node.ID, node.URL)
	return nil
}

// Delete removes a node record. Refused while workloads reference it:
// workloads must be migrated or removed first.
func (s *Service) Delete(nodeID uint) error {
	var count int64
	if err := s.db.Model(&store.Workload{}).Where("node_id = ?", nodeID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrHasWorkloads
	}
	return s.db.Delete(&store.Node{}, nodeID).Error
}

// MintJoinCode creates a one-time registration credential.
func (s *Service) MintJoinCode(ttl time.Duration) (*store.JoinCode, error) {
	code := &store.JoinCode{
		Code:      uuid.NewString(),
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.db.Create(code).Error; err != nil {
		return nil, err
	}
	return code, nil
}

// ListJoinCodes returns all minted codes, consumed ones included.
func (s *Service) ListJoinCodes() ([]store.JoinCode, error) {
	var codes []store.JoinCode
	return codes, s.db.Order("id").Find(&codes).Error
}

// List returns all nodes.
func (s *Service) List() ([]store.Node, error) {
	var nodes []store.Node
	return nodes, s.db.Order("id").Find(&nodes).Error
}

// RunLivenessMonitor periodically flips nodes whose heartbeat went stale
// from online to offline. It is the only writer of that transition besides
// the heartbeat handler.
func (s *Service) RunLivenessMonitor(ctx context.Context) {
	concurrency.Periodic(ctx, s.conf.SweepInterval, func() {
		if err := s.sweepStale(); err != nil {
			log.Printf("error sweeping stale nodes: %s", err)
		}
	})
}

func (s *Service) sweepStale() error {
	cutoff := time.Now().Add(-s.conf.OnlineThreshold)

	var stale []store.Node
	err := s.db.Where("status = ? AND last_seen_at < ?", store.NodeStatusOnline, cutoff).Find(&stale).Error
	if err != nil {
		return err
	}

	for _, node := range stale {
		err := s.db.Model(&store.Node{}).Where("id = ?", node.ID).
			Update("status", store.NodeStatusOffline).Error
		if err != nil {
			return err
		}
		log.Printf("node %d went offline (last seen %s)", node.ID, node.LastSeenAt.Format(time.RFC3339))
		s.bus.Publish(events.SubjectNodeStatus, &events.NodeStatusEvent{NodeID: node.ID, Status: store.NodeStatusOffline})
	}
	return nil
}

func newNonce() string { return uuid.NewString() }
