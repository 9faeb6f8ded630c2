package daemon

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// PortAllocator hands out host ports from a configured range and remembers
// assignments in a TOML ledger so they survive daemon restarts. Reservations
// are keyed by workload, so re-provisioning a workload reuses its ports.
type PortAllocator struct {
	mu    sync.Mutex
	file  string
	start int
	end   int
	state portLedger
}

type portLedger struct {
	Reservations []portReservation `toml:"reservation"`
}

type portReservation struct {
	WorkloadID uint   `toml:"workload_id"`
	Ports      []int  `toml:"ports"`
	Protocol   string `toml:"protocol"`
}

func NewPortAllocator(dir string, start, end int) (*PortAllocator, error) {
	a := &PortAllocator{file: filepath.Join(dir, "ports.toml"), start: start, end: end}
	_, err := toml.DecodeFile(a.file, &a.state)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading port ledger: %w", err)
	}
	return a, nil
}

// Allocate reserves count ports for the workload. Existing reservations are
// returned as-is when they still satisfy the demand, so provisioning is
// idempotent. extraUsed lets the caller pass ports observed in use outside
// the ledger (e.g. published by unmanaged containers).
func (a *PortAllocator) Allocate(workloadID uint, count int, protocol string, contiguous bool, extraUsed []int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, res := range a.state.Reservations {
		if res.WorkloadID == workloadID {
			if len(res.Ports) == count && res.Protocol == protocol {
				return res.Ports, nil
			}
			// demand changed: release and re-allocate below
			a.releaseLocked(workloadID)
			break
		}
	}

	used := map[int]bool{}
	for _, res := range a.state.Reservations {
		for _, p := range res.Ports {
			used[p] = true
		}
	}
	for _, p := range extraUsed {
		used[p] = true
	}

	ports, err := a.search(workloadID, count, contiguous, used)
	if err != nil {
		return nil, err
	}

	a.state.Reservations = append(a.state.Reservations, portReservation{
		WorkloadID: workloadID, Ports: ports, Protocol: protocol,
	})
	if err := a.persistLocked(); err != nil {
		return nil, err
	}
	return ports, nil
}

// search starts at a workload-derived offset so allocations spread across
// the range instead of piling up at the bottom, which keeps ports stable
// when the same workload is re-provisioned after a ledger loss.
func (a *PortAllocator) search(workloadID uint, count int, contiguous bool, used map[int]bool) ([]int, error) {
	width := a.end - a.start + 1
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", workloadID)
	offset := int(h.Sum32()) % width
	if offset < 0 {
		offset += width
	}

	if contiguous {
		for i := 0; i < width; i++ {
			base := a.start + (offset+i)%width
			if base+count-1 > a.end {
				continue
			}
			ok := true
			for j := 0; j < count; j++ {
				if used[base+j] {
					ok = false
					break
				}
			}
			if ok {
				ports := make([]int, count)
				for j := range ports {
					ports[j] = base + j
				}
				return ports, nil
			}
		}
		return nil, fmt.Errorf("no run of %d contiguous free ports in %d-%d", count, a.start, a.end)
	}

	ports := make([]int, 0, count)
	for i := 0; i < width && len(ports) < count; i++ {
		port := a.start + (offset+i)%width
		if !used[port] {
			ports = append(ports, port)
		}
	}
	if len(ports) < count {
		return nil, fmt.Errorf("only %d of %d ports free in %d-%d", len(ports), count, a.start, a.end)
	}
	return ports, nil
}

// Release frees a workload's reservation.
func (a *PortAllocator) Release(workloadID uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.releaseLocked(workloadID) {
		return nil
	}
	return a.persistLocked()
}

func (a *PortAllocator) releaseLocked(workloadID uint) bool {
	for i, res := range a.state.Reservations {
		if res.WorkloadID == workloadID {
			a.state.Reservations = append(a.state.Reservations[:i], a.state.Reservations[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns a workload's reserved ports, or nil.
func (a *PortAllocator) Lookup(workloadID uint) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, res := range a.state.Reservations {
		if res.WorkloadID == workloadID {
			return append([]int{}, res.Ports...)
		}
	}
	return nil
}

// persistLocked writes through a temp file so a crash mid-write never
// truncates the ledger.
func (a *PortAllocator) persistLocked() error {
	tmp := a.file + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(&a.state); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, a.file)
}
