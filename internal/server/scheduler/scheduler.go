// Package scheduler picks a node for new workloads based on live aggregate
// usage computed from the desired-state database.
package scheduler

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"gorm.io/gorm"

	"github.com/armadahost/armada/internal/server/events"
	"github.com/armadahost/armada/internal/server/store"
)

// ErrInsufficientCapacity is the only error callers see when placement
// fails; per-node rejection reasons go to the log for operators.
var ErrInsufficientCapacity = errors.New("insufficient capacity")

// Demand is a workload's resource footprint plus an optional location hint.
type Demand struct {
	CPUUnits int64
	MemoryMB int64
	DiskMB   int64
	Location string
}

const (
	// cpuOvercommit allows projected CPU to reach 150% of declared
	// capacity. Memory and disk are hard ceilings.
	cpuOvercommit = 1.5

	// warnThreshold triggers a soft capacity warning event when any
	// post-placement dimension exceeds it.
	warnThreshold = 0.8

	// locationBonus is subtracted from the score of nodes matching the
	// demand's location hint.
	locationBonus = 0.2
)

type Scheduler struct {
	db           *gorm.DB
	bus          *events.Bus
	unitsPerCore int64
}

// New creates a scheduler. unitsPerCore is the abstract-CPU-unit factor: a
// node's CPU budget is cores * unitsPerCore.
func New(db *gorm.DB, bus *events.Bus, unitsPerCore int64) *Scheduler {
	if unitsPerCore <= 0 {
		unitsPerCore = 100
	}
	return &Scheduler{db: db, bus: bus, unitsPerCore: unitsPerCore}
}

type usage struct {
	CPUUnits int64
	MemoryMB int64
	DiskMB   int64
}

type candidate struct {
	node  store.Node
	score float64
}

// Place picks a node for the demand or fails with ErrInsufficientCapacity.
// Usage is aggregated fresh per decision: correctness over cache coherency
// at this create rate.
func (s *Scheduler) Place(demand Demand) (uint, error) {
	var nodes []store.Node
	err := s.db.Where("approved = ? AND status = ?", true, store.NodeStatusOnline).
		Order("id").Find(&nodes).Error
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		log.Printf("placement failed: no approved online nodes")
		return 0, ErrInsufficientCapacity
	}

	candidates := make([]candidate, 0, len(nodes))
	for _, node := range nodes {
		used, err := s.aggregateUsage(node.ID)
		if err != nil {
			return 0, err
		}

		ratios, reason := s.project(&node, used, demand)
		if reason != "" {
			log.Printf("placement: rejected node %d: %s", node.ID, reason)
			continue
		}

		score := 0.5*ratios.ram + 0.35*math.Min(ratios.cpu, cpuOvercommit) + 0.15*ratios.disk
		if demand.Location != "" && node.Location == demand.Location {
			score -= locationBonus
		}
		candidates = append(candidates, candidate{node: node, score: score})
	}

	if len(candidates) == 0 {
		return 0, ErrInsufficientCapacity
	}

	// lowest score wins; ties break on lowest node id for reproducibility
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})

	winner := candidates[0]
	s.warnIfHot(&winner.node, demand)
	return winner.node.ID, nil
}

type ratios struct {
	cpu, ram, disk float64
}

// project computes post-placement utilization ratios and returns a rejection
// reason if a constraint is violated. Declared capacity of zero disables the
// corresponding check (treated as unbounded).
func (s *Scheduler) project(node *store.Node, used usage, demand Demand) (ratios, string) {
	var r ratios

	if node.MemoryMB > 0 {
		r.ram = float64(used.MemoryMB+demand.MemoryMB) / float64(node.MemoryMB)
		if r.ram > 1 {
			return r, fmt.Sprintf("memory %d+%d exceeds capacity %dMB", used.MemoryMB, demand.MemoryMB, node.MemoryMB)
		}
	}
	if node.DiskMB > 0 {
		r.disk = float64(used.DiskMB+demand.DiskMB) / float64(node.DiskMB)
		if r.disk > 1 {
			return r, fmt.Sprintf("disk %d+%d exceeds capacity %dMB", used.DiskMB, demand.DiskMB, node.DiskMB)
		}
	}
	if node.CPUCores > 0 {
		budget := float64(node.CPUCores * s.unitsPerCore)
		r.cpu = float64(used.CPUUnits+demand.CPUUnits) / budget
		if r.cpu > cpuOvercommit {
			return r, fmt.Sprintf("cpu %d+%d units exceeds %.0f%% of %d-core budget", used.CPUUnits, demand.CPUUnits, cpuOvercommit*100, node.CPUCores)
		}
	}
	return r, ""
}

func (s *Scheduler) aggregateUsage(nodeID uint) (usage, error) {
	var out usage
	row := s.db.Model(&store.Workload{}).
		Select("COALESCE(SUM(cpu_units),0) AS cpu_units, COALESCE(SUM(memory_mb),0) AS memory_mb, COALESCE(SUM(disk_mb),0) AS disk_mb").
		Where("node_id = ?", nodeID).
		Row()
	err := row.Scan(&out.CPUUnits, &out.MemoryMB, &out.DiskMB)
	return out, err
}

// warnIfHot emits a soft capacity warning when the placement pushes any
// dimension past the threshold. Observability only.
func (s *Scheduler) warnIfHot(node *store.Node, demand Demand) {
	used, err := s.aggregateUsage(node.ID)
	if err != nil {
		return
	}
	r, _ := s.project(node, used, demand)

	for _, dim := range []struct {
		name  string
		ratio float64
	}{{"memory", r.ram}, {"disk", r.disk}, {"cpu", r.cpu}} {
		if dim.ratio > warnThreshold {
			log.Printf("placement: node %d %s utilization at %.0f%%", node.ID, dim.name, dim.ratio*100)
			s.bus.Publish(events.SubjectCapacityWarning, &events.CapacityWarning{
				NodeID:    node.ID,
				Dimension: dim.name,
				Ratio:     dim.ratio,
			})
		}
	}
}
