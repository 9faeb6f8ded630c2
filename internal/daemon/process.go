package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/errkind"
)

// processRuntime runs workloads as supervised OS processes installed with
// steamcmd instead of container images. It carries the same contract as the
// docker runtime: provision installs, start/stop manage the process, and the
// ledger makes inventory answerable after a restart.
type processRuntime struct {
	mu       sync.Mutex
	conf     *Config
	file     string
	steamcmd string
	state    processLedger
}

type processLedger struct {
	Processes []processRecord `toml:"process"`
}

type processRecord struct {
	WorkloadID uint     `toml:"workload_id"`
	AppID      string   `toml:"app_id"`
	Command    []string `toml:"command"`
	Env        []string `toml:"env"`
	Ports      []int    `toml:"ports"`
	PID        int      `toml:"pid"`
}

func newProcessRuntime(conf *Config) (*processRuntime, error) {
	r := &processRuntime{
		conf:     conf,
		file:     filepath.Join(conf.DataDir, "processes.toml"),
		steamcmd: "steamcmd",
	}
	_, err := toml.DecodeFile(r.file, &r.state)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading process ledger: %w", err)
	}
	return r, nil
}

// Provision installs the app into the workload's volume directory.
func (r *processRuntime) Provision(ctx context.Context, req *api.ProvisionRequest, ports []int) error {
	spec := req.Package
	dir := r.conf.volumeDir(req.WorkloadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, r.steamcmd,
		"+force_install_dir", dir,
		"+login", "anonymous",
		"+app_update", spec.AppID, "validate",
		"+quit")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errkind.New(errkind.Classify(fmt.Errorf("%s", out)),
			fmt.Errorf("installing app %s: %w: %s", spec.AppID, err, out))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(req.WorkloadID)
	r.state.Processes = append(r.state.Processes, processRecord{
		WorkloadID: req.WorkloadID,
		AppID:      spec.AppID,
		Command:    spec.Command,
		Env:        spec.Env,
		Ports:      ports,
	})
	log.Printf("installed app %s for workload %d in %s", spec.AppID, req.WorkloadID, dir)
	return r.persistLocked()
}

func (r *processRuntime) Start(ctx context.Context, workloadID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.findLocked(workloadID)
	if rec == nil {
		return errkind.New(errkind.NotFound, fmt.Errorf("no installed app for workload %d", workloadID))
	}
	if alive(rec.PID) {
		return errkind.New(errkind.AlreadyInState, fmt.Errorf("workload %d already started", workloadID))
	}
	if len(rec.Command) == 0 {
		return errkind.New(errkind.ImageUnresolvable, fmt.Errorf("workload %d has no start command", workloadID))
	}

	dir := r.conf.volumeDir(workloadID)
	cmd := exec.Command(rec.Command[0], rec.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), rec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true} // survive daemon restarts
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting workload %d: %w", workloadID, err)
	}
	go cmd.Wait() // reap

	rec.PID = cmd.Process.Pid
	log.Printf("started workload %d (pid %d)", workloadID, rec.PID)
	return r.persistLocked()
}

func (r *processRuntime) Stop(ctx context.Context, workloadID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.findLocked(workloadID)
	if rec == nil {
		return errkind.New(errkind.NotFound, fmt.Errorf("no installed app for workload %d", workloadID))
	}
	if !alive(rec.PID) {
		return errkind.New(errkind.AlreadyInState, fmt.Errorf("workload %d already stopped", workloadID))
	}

	// TERM the process group, escalate to KILL after a grace period
	syscall.Kill(-rec.PID, syscall.SIGTERM)
	deadline := time.Now().Add(time.Second * 30)
	for alive(rec.PID) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond * 250):
		}
	}
	if alive(rec.PID) {
		syscall.Kill(-rec.PID, syscall.SIGKILL)
	}

	rec.PID = 0
	return r.persistLocked()
}

func (r *processRuntime) Restart(ctx context.Context, workloadID uint) error {
	err := r.Stop(ctx, workloadID)
	if err != nil && errkind.Classify(err) != errkind.AlreadyInState {
		return err
	}
	return r.Start(ctx, workloadID)
}

// Remove stops the process and drops it from the ledger. The install
// directory is kept like the docker runtime keeps volumes.
func (r *processRuntime) Remove(ctx context.Context, workloadID uint) error {
	err := r.Stop(ctx, workloadID)
	if err != nil && errkind.Classify(err) != errkind.AlreadyInState {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.removeLocked(workloadID) {
		return errkind.New(errkind.NotFound, fmt.Errorf("no installed app for workload %d", workloadID))
	}
	return r.persistLocked()
}

func (r *processRuntime) Inventory(ctx context.Context) ([]api.InventoryItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []api.InventoryItem
	for _, rec := range r.state.Processes {
		out = append(out, api.InventoryItem{
			WorkloadID: rec.WorkloadID,
			Name:       containerName(rec.WorkloadID),
			Running:    alive(rec.PID),
			Ports:      rec.Ports,
		})
	}
	return out, nil
}

func (r *processRuntime) Manages(workloadID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(workloadID) != nil
}

func (r *processRuntime) findLocked(workloadID uint) *processRecord {
	for i := range r.state.Processes {
		if r.state.Processes[i].WorkloadID == workloadID {
			return &r.state.Processes[i]
		}
	}
	return nil
}

func (r *processRuntime) removeLocked(workloadID uint) bool {
	for i := range r.state.Processes {
		if r.state.Processes[i].WorkloadID == workloadID {
			r.state.Processes = append(r.state.Processes[:i], r.state.Processes[i+1:]...)
			return true
		}
	}
	return false
}

func (r *processRuntime) persistLocked() error {
	tmp := r.file + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(&r.state); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.file)
}

// alive reports whether the pid refers to a live process we can signal.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
