package deploy

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"ember/pkg/model"
)

// stopTimeoutSeconds is how long docker waits before killing a stopped container.
const stopTimeoutSeconds = 10

// DockerRuntime runs node containers on the local docker engine.
type DockerRuntime struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerRuntime connects to host, or to DOCKER_HOST / the default socket
// when host is empty.
func NewDockerRuntime(host, apiVersion string, logger *zap.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRuntime{cli: cli, logger: logger.Named("docker")}, nil
}

func (d *DockerRuntime) Close() error { return d.cli.Close() }

func (d *DockerRuntime) Start(ctx context.Context, spec ContainerSpec) (string, error) {
	log := d.logger.With(zap.String("node", spec.Name), zap.String("image", spec.Image))

	resources, err := containerResources(spec.Resources)
	if err != nil {
		return "", err
	}

	// A local image is good enough when the registry is unreachable; create
	// fails below if it is missing too.
	if reader, err := d.cli.ImagePull(ctx, spec.Image, types.ImagePullOptions{}); err != nil {
		log.Warn("image pull failed", zap.Error(err))
	} else {
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Args,
		Env:   envList(spec.Env),
		Labels: map[string]string{
			"ember.node": spec.Name,
		},
	}
	hostCfg := &container.HostConfig{
		Resources:     resources,
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}
	if spec.Port > 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", spec.Port))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	log.Info("container started", zap.String("container", shortID(resp.ID)))
	return resp.ID, nil
}

func (d *DockerRuntime) Remove(ctx context.Context, name string) error {
	timeout := stopTimeoutSeconds
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		d.logger.Warn("container stop failed", zap.String("container", name), zap.Error(err))
	}
	if err := d.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// containerResources converts docker-CLI style limits ("8g", "1.5", "all").
func containerResources(res model.Resources) (container.Resources, error) {
	var out container.Resources
	if res.Memory != "" {
		mem, err := units.RAMInBytes(res.Memory)
		if err != nil {
			return out, fmt.Errorf("memory %q: %w", res.Memory, err)
		}
		out.Memory = mem
	}
	if res.CPUs != "" {
		cpus, err := strconv.ParseFloat(res.CPUs, 64)
		if err != nil || cpus <= 0 {
			return out, fmt.Errorf("cpus %q: must be a positive number", res.CPUs)
		}
		out.NanoCPUs = int64(cpus * 1e9)
	}
	if res.GPUs != "" {
		count := -1
		if !strings.EqualFold(res.GPUs, "all") {
			n, err := strconv.Atoi(res.GPUs)
			if err != nil || n <= 0 {
				return out, fmt.Errorf("gpus %q: must be \"all\" or a positive count", res.GPUs)
			}
			count = n
		}
		out.DeviceRequests = []container.DeviceRequest{{
			Count:        count,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
