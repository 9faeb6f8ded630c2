// Package api holds the wire contracts shared by the control plane and the
// node daemons. Everything crossing the network is defined here.
package api

// Capacity is a node's declared resource capacity.
type Capacity struct {
	CPUCores int64 `json:"cpu_cores"`
	MemoryMB int64 `json:"memory_mb"`
	DiskMB   int64 `json:"disk_mb"`
}

// RegisterRequest is posted by a daemon on startup. Authentication is carried
// in headers: either X-Armada-Secret or a one-time X-Armada-Join-Code.
type RegisterRequest struct {
	Name     string   `json:"name"`
	Location string   `json:"location"`
	URL      string   `json:"url"` // address the control plane can reach the daemon on
	Capacity Capacity `json:"capacity"`
	CSR      string   `json:"csr"` // PEM
}

type RegisterResponse struct {
	NodeID   uint   `json:"node_id"`
	Approved bool   `json:"approved"`
	Nonce    string `json:"nonce"`
}

// SignedRequest authenticates a daemon by proving possession of the key behind
// its CSR: Signature is an RSA PKCS#1v1.5/SHA-256 signature over the node's
// current nonce, base64 encoded.
type SignedRequest struct {
	NodeID    uint   `json:"node_id"`
	Signature string `json:"signature"`
}

type PollResponse struct {
	Approved    bool   `json:"approved"`
	Certificate string `json:"certificate,omitempty"` // PEM, present once approved
	CARoot      string `json:"ca_root,omitempty"`     // PEM
	Nonce       string `json:"nonce"`
}

type HeartbeatResponse struct {
	Nonce string `json:"nonce"`
}

// RegistryAuth carries credentials for a private image registry.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// PortDemand describes the host ports a workload needs.
type PortDemand struct {
	Count      int    `json:"count"`
	Protocol   string `json:"protocol"` // "tcp" or "udp"
	Contiguous bool   `json:"contiguous"`
}

// DockerRuntime provisions the workload as a container.
type DockerRuntime struct {
	Image    string        `json:"image"`
	Command  []string      `json:"command,omitempty"`
	Env      []string      `json:"env,omitempty"`
	Registry *RegistryAuth `json:"registry,omitempty"`
}

// PackageRuntime provisions the workload as a supervised OS process installed
// from a package-fetch tool instead of a container image.
type PackageRuntime struct {
	AppID   string   `json:"app_id"`
	Command []string `json:"command"`
	Env     []string `json:"env,omitempty"`
}

// ProvisionRequest asks a daemon to create a workload. Exactly one of Docker
// or Package must be set.
type ProvisionRequest struct {
	WorkloadID uint            `json:"workload_id"`
	Docker     *DockerRuntime  `json:"docker,omitempty"`
	Package    *PackageRuntime `json:"package,omitempty"`
	CPUUnits   int64           `json:"cpu_units"`
	MemoryMB   int64           `json:"memory_mb"`
	Ports      PortDemand      `json:"ports"`
	Recreate   bool            `json:"recreate,omitempty"`
}

type ProvisionResponse struct {
	Name  string `json:"name"`
	Ports []int  `json:"ports"`
}

// InventoryItem is one managed workload as seen by a daemon. WorkloadID is
// zero for containers the daemon manages but the control plane has no record
// of (strays).
type InventoryItem struct {
	WorkloadID uint   `json:"workload_id"`
	Name       string `json:"name"`
	Running    bool   `json:"running"`
	Ports      []int  `json:"ports"`
}

type InventoryResponse struct {
	Items []InventoryItem `json:"items"`
}

// Error is the envelope daemons use to report failures. Code is one of the
// errkind values so the orchestrator can classify without string matching.
type Error struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}
