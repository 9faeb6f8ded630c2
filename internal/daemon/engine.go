package daemon

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/errkind"
)

// workloadRuntime is the contract both provisioning variants satisfy.
type workloadRuntime interface {
	Provision(ctx context.Context, req *api.ProvisionRequest, ports []int) error
	Start(ctx context.Context, workloadID uint) error
	Stop(ctx context.Context, workloadID uint) error
	Restart(ctx context.Context, workloadID uint) error
	Remove(ctx context.Context, workloadID uint) error
	Inventory(ctx context.Context) ([]api.InventoryItem, error)
}

// Engine owns the host's workloads: it allocates ports and dispatches each
// operation to the docker or process runtime.
type Engine struct {
	conf    *Config
	ports   *PortAllocator
	docker  *dockerRuntime
	process *processRuntime
}

func NewEngine(conf *Config) (*Engine, error) {
	ports, err := NewPortAllocator(conf.DataDir, conf.PortRangeStart, conf.PortRangeEnd)
	if err != nil {
		return nil, err
	}
	docker, err := newDockerRuntime(conf)
	if err != nil {
		return nil, err
	}
	process, err := newProcessRuntime(conf)
	if err != nil {
		return nil, err
	}
	return &Engine{conf: conf, ports: ports, docker: docker, process: process}, nil
}

// Provision allocates host ports and creates the workload.
func (e *Engine) Provision(ctx context.Context, req *api.ProvisionRequest) (*api.ProvisionResponse, error) {
	if (req.Docker == nil) == (req.Package == nil) {
		return nil, errkind.New(errkind.ImageUnresolvable,
			errors.New("exactly one of docker or package must be set"))
	}

	demand := req.Ports
	if demand.Count == 0 {
		demand = api.PortDemand{Count: 1, Protocol: "tcp"}
	}
	if demand.Protocol == "" {
		demand.Protocol = "tcp"
	}

	// Ports published by containers outside our ledger are off limits too.
	// Best effort: a dead docker socket shouldn't block a package install.
	external, err := e.docker.PublishedPorts(ctx)
	if err != nil {
		log.Printf("warning: could not list published ports: %s", err)
	}

	ports, err := e.ports.Allocate(req.WorkloadID, demand.Count, demand.Protocol, demand.Contiguous, external)
	if err != nil {
		return nil, err
	}

	runtime := e.runtimeFor(req)
	if err := runtime.Provision(ctx, req, ports); err != nil {
		return nil, err
	}
	return &api.ProvisionResponse{Name: containerName(req.WorkloadID), Ports: ports}, nil
}

func (e *Engine) runtimeFor(req *api.ProvisionRequest) workloadRuntime {
	if req.Package != nil {
		return e.process
	}
	return e.docker
}

// runtimeOf picks the runtime already managing the workload. Process-managed
// workloads are tracked in the ledger; everything else is docker's.
func (e *Engine) runtimeOf(workloadID uint) workloadRuntime {
	if e.process.Manages(workloadID) {
		return e.process
	}
	return e.docker
}

func (e *Engine) Start(ctx context.Context, workloadID uint) error {
	return e.runtimeOf(workloadID).Start(ctx, workloadID)
}

func (e *Engine) Stop(ctx context.Context, workloadID uint) error {
	return e.runtimeOf(workloadID).Stop(ctx, workloadID)
}

func (e *Engine) Restart(ctx context.Context, workloadID uint) error {
	return e.runtimeOf(workloadID).Restart(ctx, workloadID)
}

// Delete removes the workload and releases its ports.
func (e *Engine) Delete(ctx context.Context, workloadID uint) error {
	err := e.runtimeOf(workloadID).Remove(ctx, workloadID)
	if err != nil && errkind.Classify(err) != errkind.NotFound {
		return err
	}
	if rerr := e.ports.Release(workloadID); rerr != nil {
		return rerr
	}
	return err
}

// DeleteByName removes a container by name. Used for strays the control
// plane has no workload id for.
func (e *Engine) DeleteByName(ctx context.Context, name string) error {
	if id, ok := parseWorkloadName(name); ok {
		return e.Delete(ctx, id)
	}
	return e.docker.RemoveByName(ctx, name)
}

// Inventory is the union of both runtimes' workloads.
func (e *Engine) Inventory(ctx context.Context) ([]api.InventoryItem, error) {
	items, err := e.docker.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	procs, err := e.process.Inventory(ctx)
	if err != nil {
		return nil, err
	}
	return append(items, procs...), nil
}

func parseWorkloadName(name string) (uint, bool) {
	rest, ok := strings.CutPrefix(name, "wl-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}
