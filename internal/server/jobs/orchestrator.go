package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/concurrency"
	"github.com/armadahost/armada/internal/errkind"
	"github.com/armadahost/armada/internal/server/plans"
	"github.com/armadahost/armada/internal/server/store"
)

// NodeClient is the daemon RPC surface the orchestrator drives.
type NodeClient interface {
	Provision(ctx context.Context, req *api.ProvisionRequest) (*api.ProvisionResponse, error)
	Start(ctx context.Context, workloadID uint) error
	Stop(ctx context.Context, workloadID uint) error
	Restart(ctx context.Context, workloadID uint) error
	Delete(ctx context.Context, workloadID uint) error
	DeleteByName(ctx context.Context, name string) error
	Inventory(ctx context.Context) ([]api.InventoryItem, error)
}

// ClientFactory builds a client for a node's daemon URL.
type ClientFactory interface {
	ForNode(url string) NodeClient
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(url string) NodeClient

func (f ClientFactoryFunc) ForNode(url string) NodeClient { return f(url) }

// Config tunes the orchestrator.
type Config struct {
	// Workers per queue. Provision and maintenance default low because
	// both are expensive on the daemon side.
	Workers map[string]int
	// PollInterval is how often an idle worker re-checks its queue.
	PollInterval time.Duration
	// VerifyDelay is how long the provision handler waits before checking
	// whether an auto-started workload stayed up. Some images exit
	// immediately pending configuration (e.g. a license acceptance file).
	VerifyDelay time.Duration
	// CallTimeout bounds every daemon RPC.
	CallTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers == nil {
		out.Workers = map[string]int{}
	}
	defaults := map[string]int{
		QueueProvision:   1,
		QueueMaintenance: 1,
		QueueStart:       4,
		QueueStop:        4,
		QueueRestart:     2,
		QueueDelete:      2,
	}
	for queue, n := range defaults {
		if out.Workers[queue] == 0 {
			out.Workers[queue] = n
		}
	}
	if out.PollInterval == 0 {
		out.PollInterval = time.Second
	}
	if out.VerifyDelay == 0 {
		out.VerifyDelay = time.Second * 3
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = time.Second * 90
	}
	return out
}

// Orchestrator runs the queue workers.
type Orchestrator struct {
	db      *gorm.DB
	queue   *Queue
	clients ClientFactory
	plans   plans.Resolver
	conf    Config
}

func NewOrchestrator(db *gorm.DB, queue *Queue, clients ClientFactory, resolver plans.Resolver, conf Config) *Orchestrator {
	return &Orchestrator{db: db, queue: queue, clients: clients, plans: resolver, conf: conf.withDefaults()}
}

// Run starts all queue workers and blocks until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, queue := range AllQueues {
		for i := 0; i < o.conf.Workers[queue]; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				o.work(ctx, queue)
			}(queue)
		}
	}
	wg.Wait()
}

func (o *Orchestrator) work(ctx context.Context, queue string) {
	for ctx.Err() == nil {
		job, err := o.queue.Claim(queue)
		if err != nil {
			log.Printf("error claiming from %s queue: %s", queue, err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(concurrency.Jitter(o.conf.PollInterval)):
			}
			continue
		}
		o.Execute(ctx, job)
	}
}

// Execute runs one claimed job to resolution.
func (o *Orchestrator) Execute(ctx context.Context, job *store.Job) {
	ctx, done := context.WithTimeout(ctx, o.conf.CallTimeout)
	defer done()

	var err error
	switch job.Queue {
	case QueueProvision:
		err = o.provision(ctx, job)
	case QueueStart:
		err = o.start(ctx, job)
	case QueueStop:
		err = o.stop(ctx, job)
	case QueueRestart:
		err = o.restart(ctx, job)
	case QueueDelete:
		err = o.delete(ctx, job)
	case QueueMaintenance:
		err = o.reconcileNode(ctx, job)
	default:
		err = errkind.New(errkind.ImageUnresolvable, fmt.Errorf("unknown queue %q", job.Queue))
	}

	if err != nil {
		log.Printf("job %d (%s, workload %d) attempt %d failed: %s", job.ID, job.Queue, job.WorkloadID, job.Attempts, err)
		if ferr := o.queue.Fail(job, err); ferr != nil {
			log.Printf("error recording job %d failure: %s", job.ID, ferr)
		}
		return
	}
	if cerr := o.queue.Complete(job); cerr != nil {
		log.Printf("error completing job %d: %s", job.ID, cerr)
	}
}

// workloadContext loads everything a lifecycle handler needs.
func (o *Orchestrator) workloadContext(job *store.Job) (*store.Workload, *store.Node, NodeClient, error) {
	wl := &store.Workload{}
	if err := o.db.First(wl, job.WorkloadID).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("loading workload %d: %w", job.WorkloadID, err)
	}
	if wl.NodeID == nil {
		return nil, nil, nil, fmt.Errorf("workload %d has no node assigned", wl.ID)
	}
	node := &store.Node{}
	if err := o.db.First(node, *wl.NodeID).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("loading node %d: %w", *wl.NodeID, err)
	}
	return wl, node, o.clients.ForNode(node.URL), nil
}

// provision resolves the plan and creation-time overrides, asks the daemon
// to provision, auto-starts, and verifies the workload actually stayed up.
// The final desired status reflects the verified outcome, not "command
// issued".
func (o *Orchestrator) provision(ctx context.Context, job *store.Job) error {
	wl, _, client, err := o.workloadContext(job)
	if err != nil {
		return err
	}

	plan, err := o.plans.Resolve(wl.PlanID)
	if err != nil {
		return errkind.New(errkind.ImageUnresolvable, err)
	}

	req := &api.ProvisionRequest{
		WorkloadID: wl.ID,
		CPUUnits:   wl.CPUUnits,
		MemoryMB:   wl.MemoryMB,
		Ports:      portDemand(wl.ImageFamily),
		Docker:     &api.DockerRuntime{Image: plan.Image},
	}

	// creation-time overrides live in their own side table so they never
	// have to be reconstructed from audit history
	override := &store.WorkloadOverride{}
	err = o.db.Where("workload_id = ?", wl.ID).First(override).Error
	if err == nil {
		applyOverride(req, override)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	resp, err := client.Provision(ctx, req)
	if err != nil {
		return fmt.Errorf("provisioning workload %d: %w", wl.ID, err)
	}
	if err := o.recordAllocations(wl, resp.Ports, req.Ports.Protocol); err != nil {
		return err
	}

	if err := client.Start(ctx, wl.ID); err != nil {
		return fmt.Errorf("starting workload %d after provision: %w", wl.ID, err)
	}

	running, err := o.verifyRunning(ctx, client, wl.ID)
	if err != nil {
		return err
	}

	status := store.WorkloadStopped
	if running {
		status = store.WorkloadRunning
	} else {
		log.Printf("workload %d exited immediately after provisioning, leaving it stopped", wl.ID)
	}
	return o.db.Model(&store.Workload{}).Where("id = ?", wl.ID).
		Update("desired_status", status).Error
}

func applyOverride(req *api.ProvisionRequest, override *store.WorkloadOverride) {
	if override.Image != "" {
		req.Docker.Image = override.Image
	}
	if override.Command != "" {
		var cmd []string
		if json.Unmarshal([]byte(override.Command), &cmd) == nil {
			req.Docker.Command = cmd
		}
	}
	if override.Env != "" {
		var env []string
		if json.Unmarshal([]byte(override.Env), &env) == nil {
			req.Docker.Env = env
		}
	}
	if override.PortCount > 0 {
		req.Ports = api.PortDemand{
			Count:      override.PortCount,
			Protocol:   override.Protocol,
			Contiguous: override.Contiguous,
		}
	}
}

// verifyRunning waits a beat and asks the daemon whether the workload is
// still up.
func (o *Orchestrator) verifyRunning(ctx context.Context, client NodeClient, workloadID uint) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(o.conf.VerifyDelay):
	}

	items, err := client.Inventory(ctx)
	if err != nil {
		return false, fmt.Errorf("verifying workload %d: %w", workloadID, err)
	}
	for _, item := range items {
		if item.WorkloadID == workloadID {
			return item.Running, nil
		}
	}
	return false, nil
}

// recordAllocations mirrors daemon-reported ports into the control-plane DB.
func (o *Orchestrator) recordAllocations(wl *store.Workload, ports []int, protocol string) error {
	return o.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("workload_id = ?", wl.ID).Delete(&store.PortAllocation{}).Error; err != nil {
			return err
		}
		for _, port := range ports {
			alloc := &store.PortAllocation{NodeID: *wl.NodeID, WorkloadID: wl.ID, Port: port, Protocol: protocol}
			if err := tx.Create(alloc).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// start self-heals from node-side data loss: a daemon that no longer knows
// the workload gets a provision job instead of a blind retry.
func (o *Orchestrator) start(ctx context.Context, job *store.Job) error {
	wl, _, client, err := o.workloadContext(job)
	if err != nil {
		return err
	}

	err = client.Start(ctx, wl.ID)
	switch errkind.Classify(err) {
	case errkind.NotFound:
		log.Printf("workload %d missing on its node, scheduling re-provision", wl.ID)
		_, err := o.queue.Enqueue(QueueProvision, wl.ID, wl.NodeID, job.Actor, nil)
		return err
	case errkind.AlreadyInState:
		err = nil
	}
	if err != nil {
		return err
	}
	return o.db.Model(&store.Workload{}).Where("id = ?", wl.ID).
		Update("desired_status", store.WorkloadRunning).Error
}

func (o *Orchestrator) stop(ctx context.Context, job *store.Job) error {
	wl, _, client, err := o.workloadContext(job)
	if err != nil {
		return err
	}

	err = client.Stop(ctx, wl.ID)
	if kind := errkind.Classify(err); kind == errkind.AlreadyInState || kind == errkind.NotFound {
		err = nil
	}
	if err != nil {
		return err
	}
	return o.db.Model(&store.Workload{}).Where("id = ?", wl.ID).
		Update("desired_status", store.WorkloadStopped).Error
}

func (o *Orchestrator) restart(ctx context.Context, job *store.Job) error {
	wl, _, client, err := o.workloadContext(job)
	if err != nil {
		return err
	}

	err = client.Restart(ctx, wl.ID)
	if errkind.Classify(err) == errkind.NotFound {
		log.Printf("workload %d missing on its node, scheduling re-provision", wl.ID)
		_, err := o.queue.Enqueue(QueueProvision, wl.ID, wl.NodeID, job.Actor, nil)
		return err
	}
	if err != nil {
		return err
	}
	// a restarted workload is running, even if it was recorded as stopped
	return o.db.Model(&store.Workload{}).Where("id = ?", wl.ID).
		Update("desired_status", store.WorkloadRunning).Error
}

// delete removes the remote container best-effort, then dependent records,
// then the workload itself. Dependents go first to satisfy referential
// integrity.
func (o *Orchestrator) delete(ctx context.Context, job *store.Job) error {
	payload, err := o.queue.payload(job)
	if err != nil {
		return err
	}

	// stray container cleanup: no workload record exists
	if job.WorkloadID == 0 && payload.ContainerName != "" {
		return o.deleteStray(ctx, job, payload.ContainerName)
	}

	wl := &store.Workload{}
	if err := o.db.First(wl, job.WorkloadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // already gone
		}
		return err
	}

	if wl.NodeID != nil {
		node := &store.Node{}
		if err := o.db.First(node, *wl.NodeID).Error; err != nil {
			return err
		}
		err := o.clients.ForNode(node.URL).Delete(ctx, wl.ID)
		if err != nil && errkind.Classify(err) != errkind.NotFound {
			return fmt.Errorf("removing workload %d from node %d: %w", wl.ID, node.ID, err)
		}
	}

	return o.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("workload_id = ?", wl.ID).Delete(&store.PortAllocation{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Where("workload_id = ?", wl.ID).Delete(&store.WorkloadOverride{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Delete(&store.Workload{}, wl.ID).Error
	})
}

func (o *Orchestrator) deleteStray(ctx context.Context, job *store.Job, name string) error {
	if job.NodeID == nil {
		return errors.New("stray delete job has no node")
	}
	node := &store.Node{}
	if err := o.db.First(node, *job.NodeID).Error; err != nil {
		return err
	}
	err := o.clients.ForNode(node.URL).DeleteByName(ctx, name)
	if err != nil && errkind.Classify(err) != errkind.NotFound {
		return err
	}
	return nil
}
