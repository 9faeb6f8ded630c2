// Package events is the control plane's internal event bus, backed by an
// embedded NATS server. Job lifecycle, capacity warnings, and node
// transitions are published here for the admin live stream.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	SubjectJobActive       = "armada.jobs.active"
	SubjectJobCompleted    = "armada.jobs.completed"
	SubjectJobFailed       = "armada.jobs.failed"
	SubjectCapacityWarning = "armada.capacity.warning"
	SubjectNodeStatus      = "armada.nodes.status"
	SubjectAudit           = "armada.audit"

	// SubjectAll is what the admin stream subscribes to.
	SubjectAll = "armada.>"
)

// JobEvent reports a job transition.
type JobEvent struct {
	JobID      uint      `json:"job_id"`
	Queue      string    `json:"queue"`
	WorkloadID uint      `json:"workload_id"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	Terminal   bool      `json:"terminal,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CapacityWarning is emitted when a placement pushes a node past the soft
// utilization threshold.
type CapacityWarning struct {
	NodeID    uint    `json:"node_id"`
	Dimension string  `json:"dimension"`
	Ratio     float64 `json:"ratio"`
}

// AuditEvent records who asked for what on the operator API.
type AuditEvent struct {
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	WorkloadID uint      `json:"workload_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NodeStatusEvent reports a node lifecycle transition.
type NodeStatusEvent struct {
	NodeID uint   `json:"node_id"`
	Status string `json:"status"`
}

// StartEmbedded runs an in-process NATS server and connects to it.
func StartEmbedded(addr string) (*server.Server, *nats.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid nats address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid nats port %q: %w", portStr, err)
	}

	ns, err := server.NewServer(&server.Options{Host: host, Port: port})
	if err != nil {
		return nil, nil, fmt.Errorf("starting embedded nats: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, nil, fmt.Errorf("embedded nats server did not become ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("connecting to embedded nats: %w", err)
	}
	return ns, nc, nil
}

// Bus publishes JSON events. A nil Bus drops everything, which keeps tests
// and partial wiring simple.
type Bus struct {
	nc *nats.Conn
}

func NewBus(nc *nats.Conn) *Bus { return &Bus{nc: nc} }

func (b *Bus) Publish(subject string, v any) {
	if b == nil || b.nc == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("error encoding event for %s: %s", subject, err)
		return
	}
	if err := b.nc.Publish(subject, payload); err != nil {
		log.Printf("error publishing event to %s: %s", subject, err)
	}
}

// Subscribe registers a handler for the given subject pattern.
func (b *Bus) Subscribe(subject string, fn func(subject string, payload []byte)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, fmt.Errorf("event bus is not connected")
	}
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Subject, m.Data)
	})
}
