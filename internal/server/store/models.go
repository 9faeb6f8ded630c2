package store

import (
	"time"

	"gorm.io/gorm"
)

// Node lifecycle statuses. A node is online only while its heartbeats stay
// within the liveness window.
const (
	NodeStatusPending  = "pending"
	NodeStatusApproved = "approved"
	NodeStatusOnline   = "online"
	NodeStatusOffline  = "offline"
)

// Node is a worker host running workloads on behalf of the control plane.
type Node struct {
	gorm.Model
	Name        string
	Location    string
	URL         string `gorm:"uniqueIndex"`
	CPUCores    int64
	MemoryMB    int64
	DiskMB      int64
	Approved    bool
	Status      string
	CSR         string // PEM, submitted at registration
	Certificate string // PEM, present once the CA signed the CSR
	Fingerprint string `gorm:"index"` // sha256 of the CSR's public key
	Nonce       string // rotated on every successful protocol interaction
	LastSeenAt  time.Time
}

// JoinCode is a one-time credential permitting registration without the
// shared secret.
type JoinCode struct {
	gorm.Model
	Code      string `gorm:"uniqueIndex"`
	ExpiresAt time.Time
	Used      bool
	NodeID    *uint // the node that consumed it
}

// Workload desired statuses.
const (
	WorkloadRunning   = "running"
	WorkloadStopped   = "stopped"
	WorkloadSuspended = "suspended"
)

// Workload is a user-owned unit of compute. DesiredStatus is the source of
// truth the reconciler enforces against each daemon's actual state. The
// resource footprint is denormalized from the plan at creation time so the
// scheduler can aggregate usage without consulting the plan service.
type Workload struct {
	gorm.Model
	UserID        string
	PlanID        string
	NodeID        *uint `gorm:"index"` // nil until scheduled
	Name          string
	DesiredStatus string
	CPUUnits      int64
	MemoryMB      int64
	DiskMB        int64
	ImageFamily   string
}

// WorkloadOverride records creation-time overrides (custom image, command,
// environment, ports) in an explicit side table keyed by workload, so
// re-provisioning never has to reconstruct them from audit history.
type WorkloadOverride struct {
	gorm.Model
	WorkloadID uint   `gorm:"uniqueIndex"`
	Image      string
	Command    string // JSON array
	Env        string // JSON array of KEY=VALUE
	PortCount  int
	Protocol   string
	Contiguous bool
}

// PortAllocation mirrors a daemon-reported host port reservation so
// operators can see endpoint assignments without querying nodes.
type PortAllocation struct {
	gorm.Model
	NodeID     uint `gorm:"index"`
	WorkloadID uint `gorm:"index"`
	Port       int
	Protocol   string
}

// Job statuses. Failed jobs are retained for operator inspection.
const (
	JobQueued = "queued"
	JobActive = "active"
	JobFailed = "failed"
)

// Job is one queued unit of work. Succeeded jobs are deleted; failed jobs
// stay with their last error.
type Job struct {
	ID           uint `gorm:"primarykey"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Queue        string `gorm:"index"`
	WorkloadID   uint
	NodeID       *uint
	Actor        string
	Payload      string // JSON, queue-specific
	Attempts     int
	Status       string    `gorm:"index"`
	VisibleAfter time.Time `gorm:"index"`
	LastError    string
}
