package daemon

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/registry"
	"github.com/moby/moby/client"

	"github.com/armadahost/armada/internal/api"
	"github.com/armadahost/armada/internal/errkind"
)

const (
	labelManaged    = "armada.managed"
	labelWorkloadID = "armada.workload-id"
)

// dockerRuntime runs workloads as docker containers.
type dockerRuntime struct {
	cli  *client.Client
	conf *Config
}

func newDockerRuntime(conf *Config) (*dockerRuntime, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &dockerRuntime{cli: cli, conf: conf}, nil
}

func containerName(workloadID uint) string { return fmt.Sprintf("wl-%d", workloadID) }

// Provision pulls the image and creates the container. The container is
// left stopped: starting is a separate operation.
func (d *dockerRuntime) Provision(ctx context.Context, req *api.ProvisionRequest, ports []int) error {
	name := containerName(req.WorkloadID)
	spec := req.Docker

	if req.Recreate {
		if err := d.removeIfExists(ctx, name); err != nil {
			return err
		}
	} else {
		_, err := d.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
		if err == nil {
			return nil // already provisioned
		}
		if !cerrdefs.IsNotFound(err) {
			return wrapDocker(err)
		}
	}

	if err := d.pull(ctx, spec.Image, spec.Registry); err != nil {
		return err
	}

	if err := os.MkdirAll(d.conf.volumeDir(req.WorkloadID), 0755); err != nil {
		return fmt.Errorf("creating volume dir: %w", err)
	}

	exposed := make(network.PortSet)
	bindings := make(network.PortMap)
	for _, p := range ports {
		port, err := network.ParsePort(fmt.Sprintf("%d/%s", p, req.Ports.Protocol))
		if err != nil {
			return fmt.Errorf("invalid port %d: %w", p, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []network.PortBinding{{HostPort: strconv.Itoa(p)}}
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   spec.Env,
		Labels: map[string]string{
			labelManaged:    "true",
			labelWorkloadID: strconv.FormatUint(uint64(req.WorkloadID), 10),
		},
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: d.conf.volumeDir(req.WorkloadID),
			Target: "/data",
		}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	hostConfig.Resources = container.Resources{
		NanoCPUs: req.CPUUnits * 1e7, // 100 units per core
		Memory:   req.MemoryMB << 20,
	}

	_, err := d.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerConfig,
		HostConfig: hostConfig,
		Name:       name,
	})
	if err != nil {
		return wrapDocker(err)
	}
	log.Printf("provisioned container %s (image %s, ports %v)", name, spec.Image, ports)
	return nil
}

// pull fetches the image, falling back to a locally cached copy when the
// registry is unreachable.
func (d *dockerRuntime) pull(ctx context.Context, image string, auth *api.RegistryAuth) error {
	opts := client.ImagePullOptions{}
	if auth != nil {
		encoded, err := encodeRegistryAuth(auth)
		if err != nil {
			return err
		}
		opts.RegistryAuth = encoded
	}

	reader, err := d.cli.ImagePull(ctx, image, opts)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return errkind.New(errkind.ImageUnresolvable, err)
		}
		if d.imageExistsLocally(ctx, image) {
			log.Printf("pull of %s failed (%s), using local copy", image, err)
			return nil
		}
		return wrapDocker(err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerRuntime) imageExistsLocally(ctx context.Context, image string) bool {
	_, err := d.cli.ImageInspect(ctx, image)
	return err == nil
}

func encodeRegistryAuth(auth *api.RegistryAuth) (string, error) {
	raw, err := json.Marshal(registry.AuthConfig{Username: auth.Username, Password: auth.Password})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func (d *dockerRuntime) Start(ctx context.Context, workloadID uint) error {
	name := containerName(workloadID)
	running, err := d.isRunning(ctx, name)
	if err != nil {
		return err
	}
	if running {
		return errkind.New(errkind.AlreadyInState, fmt.Errorf("container %s already started", name))
	}
	_, err = d.cli.ContainerStart(ctx, name, client.ContainerStartOptions{})
	return wrapDocker(err)
}

func (d *dockerRuntime) Stop(ctx context.Context, workloadID uint) error {
	name := containerName(workloadID)
	running, err := d.isRunning(ctx, name)
	if err != nil {
		return err
	}
	if !running {
		return errkind.New(errkind.AlreadyInState, fmt.Errorf("container %s already stopped", name))
	}
	timeout := 30
	_, err = d.cli.ContainerStop(ctx, name, client.ContainerStopOptions{Timeout: &timeout})
	return wrapDocker(err)
}

func (d *dockerRuntime) Restart(ctx context.Context, workloadID uint) error {
	timeout := 30
	_, err := d.cli.ContainerRestart(ctx, containerName(workloadID), client.ContainerRestartOptions{Timeout: &timeout})
	return wrapDocker(err)
}

// Remove force-removes the container. The volume directory is kept so a
// re-provision resumes with its data.
func (d *dockerRuntime) Remove(ctx context.Context, workloadID uint) error {
	return d.RemoveByName(ctx, containerName(workloadID))
}

func (d *dockerRuntime) RemoveByName(ctx context.Context, name string) error {
	_, err := d.cli.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
	return wrapDocker(err)
}

func (d *dockerRuntime) removeIfExists(ctx context.Context, name string) error {
	err := d.RemoveByName(ctx, name)
	if errkind.Classify(err) == errkind.NotFound {
		return nil
	}
	return err
}

func (d *dockerRuntime) isRunning(ctx context.Context, name string) (bool, error) {
	resp, err := d.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		return false, wrapDocker(err)
	}
	return resp.Container.State != nil && resp.Container.State.Running, nil
}

// Inventory lists every managed container, running or not.
func (d *dockerRuntime) Inventory(ctx context.Context) ([]api.InventoryItem, error) {
	resp, err := d.cli.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: make(client.Filters).Add("label", labelManaged+"=true"),
	})
	if err != nil {
		return nil, wrapDocker(err)
	}

	var out []api.InventoryItem
	for _, summary := range resp.Items {
		item := api.InventoryItem{Running: summary.State == container.StateRunning}
		if len(summary.Names) > 0 {
			item.Name = trimContainerName(summary.Names[0])
		}
		if raw := summary.Labels[labelWorkloadID]; raw != "" {
			if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
				item.WorkloadID = uint(id)
			}
		}
		for _, p := range summary.Ports {
			if p.PublicPort > 0 {
				item.Ports = append(item.Ports, int(p.PublicPort))
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// PublishedPorts returns host ports bound by any container on the host,
// managed or not, so the allocator can route around them.
func (d *dockerRuntime) PublishedPorts(ctx context.Context) ([]int, error) {
	resp, err := d.cli.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, wrapDocker(err)
	}
	var out []int
	for _, summary := range resp.Items {
		for _, p := range summary.Ports {
			if p.PublicPort > 0 {
				out = append(out, int(p.PublicPort))
			}
		}
	}
	return out, nil
}

func trimContainerName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// wrapDocker tags daemon errors with a kind the control plane can act on.
func wrapDocker(err error) error {
	if err == nil {
		return nil
	}
	if cerrdefs.IsNotFound(err) {
		return errkind.New(errkind.NotFound, err)
	}
	if cerrdefs.IsConflict(err) {
		return errkind.New(errkind.AlreadyInState, err)
	}
	if kind := errkind.ClassifyMessage(err.Error()); kind != errkind.Transient {
		return errkind.New(kind, err)
	}
	return err
}
