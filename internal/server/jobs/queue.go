// Package jobs is the durable job queue and the workers that drive workload
// lifecycle against daemons, plus the reconciler that repairs drift.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/armadahost/armada/internal/errkind"
	"github.com/armadahost/armada/internal/server/events"
	"github.com/armadahost/armada/internal/server/store"
)

// Queue names. Each queue has independent worker concurrency.
const (
	QueueProvision   = "provision"
	QueueStart       = "start"
	QueueStop        = "stop"
	QueueRestart     = "restart"
	QueueDelete      = "delete"
	QueueMaintenance = "maintenance"
)

var AllQueues = []string{QueueProvision, QueueStart, QueueStop, QueueRestart, QueueDelete, QueueMaintenance}

const (
	defaultBackoffBase = time.Second * 10
	defaultMaxAttempts = 5

	// visibility is how long a claimed job stays invisible before a crashed
	// worker's claim expires and another worker may pick it up.
	visibility = time.Minute * 10
)

// Payload carries queue-specific extras beyond the workload id.
type Payload struct {
	// ContainerName is set on delete jobs for stray containers the control
	// plane has no workload record for.
	ContainerName string `json:"container_name,omitempty"`
}

// Counters track per-queue completion totals.
type Counters struct {
	mu        sync.Mutex
	completed map[string]int64
	failed    map[string]int64
}

func newCounters() *Counters {
	return &Counters{completed: map[string]int64{}, failed: map[string]int64{}}
}

func (c *Counters) bump(queue string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if failed {
		c.failed[queue]++
	} else {
		c.completed[queue]++
	}
}

// Snapshot returns completed/failed totals for a queue.
func (c *Counters) Snapshot(queue string) (completed, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed[queue], c.failed[queue]
}

// Queue is the persistence side of the orchestrator: enqueueing, claiming,
// and resolving jobs. It is safe for concurrent use by workers.
type Queue struct {
	db          *gorm.DB
	bus         *events.Bus
	counters    *Counters
	backoffBase time.Duration
	maxAttempts int

	pauseMu sync.Mutex
	paused  map[string]bool
}

func NewQueue(db *gorm.DB, bus *events.Bus) *Queue {
	return &Queue{
		db:          db,
		bus:         bus,
		counters:    newCounters(),
		backoffBase: defaultBackoffBase,
		maxAttempts: defaultMaxAttempts,
		paused:      map[string]bool{},
	}
}

func (q *Queue) Counters() *Counters { return q.counters }

// Enqueue adds a job. nodeID and payload are optional.
func (q *Queue) Enqueue(queue string, workloadID uint, nodeID *uint, actor string, payload *Payload) (*store.Job, error) {
	job := &store.Job{
		Queue:        queue,
		WorkloadID:   workloadID,
		NodeID:       nodeID,
		Actor:        actor,
		Status:       store.JobQueued,
		VisibleAfter: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		job.Payload = string(raw)
	}
	return job, q.db.Create(job).Error
}

// Claim atomically takes the oldest visible job from the queue, or returns
// nil when the queue is empty or paused.
func (q *Queue) Claim(queue string) (*store.Job, error) {
	if q.IsPaused(queue) {
		return nil, nil
	}

	// Active jobs whose visibility window has lapsed were claimed by a worker
	// that never resolved them (crash, restart) and are claimable again.
	job := &store.Job{}
	err := q.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		err := tx.Where("queue = ? AND status IN ? AND visible_after <= ?",
			queue, []string{store.JobQueued, store.JobActive}, now).
			Order("id").First(job).Error
		if err != nil {
			return err
		}
		res := tx.Model(&store.Job{}).
			Where("id = ? AND attempts = ?", job.ID, job.Attempts).
			Updates(map[string]any{
				"status":        store.JobActive,
				"attempts":      job.Attempts + 1,
				"visible_after": now.Add(visibility),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker got it between the read and the update.
			return gorm.ErrRecordNotFound
		}
		job.Status = store.JobActive
		job.Attempts++
		job.VisibleAfter = now.Add(visibility)
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	q.bus.Publish(events.SubjectJobActive, &events.JobEvent{
		JobID: job.ID, Queue: job.Queue, WorkloadID: job.WorkloadID,
		Attempt: job.Attempts, Timestamp: time.Now(),
	})
	return job, nil
}

// Complete removes a finished job.
func (q *Queue) Complete(job *store.Job) error {
	if err := q.db.Delete(&store.Job{}, job.ID).Error; err != nil {
		return err
	}
	q.counters.bump(job.Queue, false)
	q.bus.Publish(events.SubjectJobCompleted, &events.JobEvent{
		JobID: job.ID, Queue: job.Queue, WorkloadID: job.WorkloadID,
		Attempt: job.Attempts, Timestamp: time.Now(),
	})
	return nil
}

// Fail resolves a failed attempt: hard failures and exhausted retries land
// in a terminal failed state retained for inspection, anything else is
// requeued with exponential backoff (base * 2^(attempts-1)).
func (q *Queue) Fail(job *store.Job, cause error) error {
	kind := errkind.Classify(cause)
	terminal := errkind.IsHard(kind) || job.Attempts >= q.maxAttempts

	job.LastError = cause.Error()
	if terminal {
		job.Status = store.JobFailed
	} else {
		job.Status = store.JobQueued
		backoff := q.backoffBase * (1 << (job.Attempts - 1))
		job.VisibleAfter = time.Now().Add(backoff)
	}

	if err := q.db.Save(job).Error; err != nil {
		return err
	}

	if terminal {
		q.counters.bump(job.Queue, true)
	}
	q.bus.Publish(events.SubjectJobFailed, &events.JobEvent{
		JobID: job.ID, Queue: job.Queue, WorkloadID: job.WorkloadID,
		Attempt: job.Attempts, Error: cause.Error(), Terminal: terminal,
		Timestamp: time.Now(),
	})
	return nil
}

// List returns jobs on a queue, newest first. Used by the admin API.
func (q *Queue) List(queue string) ([]store.Job, error) {
	var out []store.Job
	tx := q.db.Order("id DESC")
	if queue != "" {
		tx = tx.Where("queue = ?", queue)
	}
	return out, tx.Find(&out).Error
}

// Retry requeues a failed job with a fresh attempt budget.
func (q *Queue) Retry(jobID uint) error {
	return q.db.Model(&store.Job{}).Where("id = ? AND status = ?", jobID, store.JobFailed).
		Updates(map[string]any{
			"status":        store.JobQueued,
			"attempts":      0,
			"visible_after": time.Now(),
			"last_error":    "",
		}).Error
}

// Remove deletes a job regardless of state.
func (q *Queue) Remove(jobID uint) error {
	return q.db.Delete(&store.Job{}, jobID).Error
}

// Pause stops workers from claiming on the queue; queued jobs accumulate.
func (q *Queue) Pause(queue string) error {
	if !validQueue(queue) {
		return fmt.Errorf("unknown queue %q", queue)
	}
	q.pauseMu.Lock()
	defer q.pauseMu.Unlock()
	q.paused[queue] = true
	return nil
}

func (q *Queue) Resume(queue string) error {
	if !validQueue(queue) {
		return fmt.Errorf("unknown queue %q", queue)
	}
	q.pauseMu.Lock()
	defer q.pauseMu.Unlock()
	delete(q.paused, queue)
	return nil
}

func (q *Queue) IsPaused(queue string) bool {
	q.pauseMu.Lock()
	defer q.pauseMu.Unlock()
	return q.paused[queue]
}

func validQueue(queue string) bool {
	for _, known := range AllQueues {
		if known == queue {
			return true
		}
	}
	return false
}

func (q *Queue) payload(job *store.Job) (*Payload, error) {
	out := &Payload{}
	if job.Payload == "" {
		return out, nil
	}
	return out, json.Unmarshal([]byte(job.Payload), out)
}
