package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/concurrency"
	"github.com/armadahost/armada/internal/server/store"
)

// Reconciler periodically enqueues a maintenance job per online node so
// drift between the control plane's records and what is actually running
// gets corrected without operator involvement.
type Reconciler struct {
	db       *gorm.DB
	queue    *Queue
	interval time.Duration
}

func NewReconciler(db *gorm.DB, queue *Queue, interval time.Duration) *Reconciler {
	if interval == 0 {
		interval = time.Minute * 5
	}
	return &Reconciler{db: db, queue: queue, interval: interval}
}

// Run blocks until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	concurrency.Periodic(ctx, r.interval, func() {
		if err := r.Sweep(); err != nil {
			log.Printf("error sweeping nodes for maintenance: %s", err)
		}
	})
}

// Sweep enqueues one maintenance job for every online node that doesn't
// already have one pending.
func (r *Reconciler) Sweep() error {
	var nodes []store.Node
	err := r.db.Where("approved = ? AND status = ?", true, store.NodeStatusOnline).Find(&nodes).Error
	if err != nil {
		return err
	}
	for _, node := range nodes {
		var pending int64
		err := r.db.Model(&store.Job{}).
			Where("queue = ? AND node_id = ? AND status <> ?", QueueMaintenance, node.ID, store.JobFailed).
			Count(&pending).Error
		if err != nil {
			return err
		}
		if pending > 0 {
			continue
		}
		nodeID := node.ID
		if _, err := r.queue.Enqueue(QueueMaintenance, 0, &nodeID, "reconciler", nil); err != nil {
			return fmt.Errorf("enqueueing maintenance for node %d: %w", node.ID, err)
		}
	}
	return nil
}

// reconcileNode diffs a node's reported inventory against the control
// plane's records and enqueues the jobs needed to converge the two.
func (o *Orchestrator) reconcileNode(ctx context.Context, job *store.Job) error {
	if job.NodeID == nil {
		return fmt.Errorf("maintenance job %d has no node", job.ID)
	}
	node := &store.Node{}
	if err := o.db.First(node, *job.NodeID).Error; err != nil {
		return err
	}

	items, err := o.clients.ForNode(node.URL).Inventory(ctx)
	if err != nil {
		return fmt.Errorf("listing inventory on node %d: %w", node.ID, err)
	}
	byWorkload := map[uint]api.InventoryItem{}
	for _, item := range items {
		if item.WorkloadID != 0 {
			byWorkload[item.WorkloadID] = item
		}
	}

	var workloads []store.Workload
	if err := o.db.Where("node_id = ?", node.ID).Find(&workloads).Error; err != nil {
		return err
	}

	for _, wl := range workloads {
		item, present := byWorkload[wl.ID]
		delete(byWorkload, wl.ID)

		switch {
		case !present && wl.DesiredStatus != store.WorkloadSuspended:
			log.Printf("workload %d missing on node %d, re-provisioning", wl.ID, node.ID)
			err = o.enqueueOnce(QueueProvision, wl.ID, &node.ID)
		case present && wl.DesiredStatus == store.WorkloadRunning && !item.Running:
			log.Printf("workload %d should be running on node %d but is stopped", wl.ID, node.ID)
			err = o.enqueueOnce(QueueStart, wl.ID, &node.ID)
		case present && wl.DesiredStatus != store.WorkloadRunning && item.Running:
			log.Printf("workload %d should be stopped on node %d but is running", wl.ID, node.ID)
			err = o.enqueueOnce(QueueStop, wl.ID, &node.ID)
		}
		if err != nil {
			return err
		}
	}

	// anything left in the inventory has no workload record: a stray
	for _, item := range byWorkload {
		log.Printf("stray container %q on node %d, removing", item.Name, node.ID)
		nodeID := node.ID
		_, err := o.queue.Enqueue(QueueDelete, 0, &nodeID, "reconciler", &Payload{ContainerName: item.Name})
		if err != nil {
			return err
		}
	}
	return nil
}

// enqueueOnce skips the enqueue when an equivalent job is already pending.
func (o *Orchestrator) enqueueOnce(queue string, workloadID uint, nodeID *uint) error {
	var pending int64
	err := o.db.Model(&store.Job{}).
		Where("queue = ? AND workload_id = ? AND status <> ?", queue, workloadID, store.JobFailed).
		Count(&pending).Error
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	_, err = o.queue.Enqueue(queue, workloadID, nodeID, "reconciler", nil)
	return err
}
