// Package deploy provisions and tears down nodes. Three strategies are
// supported: a container image, a source repository plus start command, and
// a bare startup script. Only the container strategy waits for its workload
// to be up; the other two launch detached and report running immediately.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ember/internal/master/registry"
	"ember/pkg/model"
)

// DefaultStartCommand runs inside a source checkout when none is configured.
const DefaultStartCommand = "./start.sh"

var (
	// ErrNoStrategy means the deployment config named no strategy.
	ErrNoStrategy = errors.New("deployment config has no image, repo or script")
	// ErrDeployment wraps every failure that leaves a node in error.
	ErrDeployment = errors.New("deployment failed")
	// ErrCapacity means the fleet is at its provisioning cap.
	ErrCapacity = errors.New("fleet is at capacity")
)

type Config struct {
	AdvertiseHost string
	DefaultPort   int
	MaxNodes      int // 0 means unlimited
}

type Orchestrator struct {
	registry   *registry.Registry
	containers ContainerRuntime
	fetcher    SourceFetcher
	launcher   ProcessLauncher
	supervisor *Supervisor
	cfg        Config
	logger     *zap.Logger
	newID      func() string
}

func NewOrchestrator(reg *registry.Registry, containers ContainerRuntime, fetcher SourceFetcher, launcher ProcessLauncher, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.AdvertiseHost == "" {
		cfg.AdvertiseHost = "127.0.0.1"
	}
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = 8080
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:   reg,
		containers: containers,
		fetcher:    fetcher,
		launcher:   launcher,
		supervisor: NewSupervisor(),
		cfg:        cfg,
		logger:     logger.Named("deploy"),
		newID:      func() string { return "node-" + uuid.New().String() },
	}
}

// Supervisor exposes the handle registry, mainly for status reporting.
func (o *Orchestrator) Supervisor() *Supervisor { return o.supervisor }

// Provision creates a placeholder node and runs the configured strategy.
// On failure the node stays visible in error until it is deprovisioned.
func (o *Orchestrator) Provision(ctx context.Context, cfg model.DeploymentConfig) (*model.Node, error) {
	if cfg.Strategy == nil {
		return nil, ErrNoStrategy
	}
	if o.cfg.MaxNodes > 0 && o.registry.Len() >= o.cfg.MaxNodes {
		return nil, fmt.Errorf("%w (%d nodes)", ErrCapacity, o.cfg.MaxNodes)
	}

	id := o.newID()
	port := cfg.Port
	if port == 0 {
		port = o.cfg.DefaultPort
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://" + o.cfg.AdvertiseHost + ":" + strconv.Itoa(port)
	}
	env := nodeEnv(cfg.Env, id, port)

	placeholder := &model.Node{
		ID:       id,
		Status:   model.NodeStarting,
		Models:   cfg.Models,
		Hardware: cfg.Hardware,
		Strategy: cfg.Strategy.Kind(),
	}
	if err := o.registry.Register(placeholder); err != nil {
		return nil, err
	}

	log := o.logger.With(zap.String("node", id), zap.String("strategy", string(cfg.Strategy.Kind())))
	log.Info("provisioning node", zap.String("endpoint", endpoint))

	var (
		handle Handle
		err    error
	)
	switch s := cfg.Strategy.(type) {
	case *model.ContainerStrategy:
		handle, err = o.runContainer(ctx, id, port, env, s)
	case *model.SourceStrategy:
		handle, err = o.runSource(ctx, env, s)
	case *model.ScriptStrategy:
		handle, err = o.runScript(env, s)
	default:
		err = fmt.Errorf("unsupported strategy %T", s)
	}

	if err != nil {
		log.Error("provisioning failed", zap.Error(err))
		o.registry.Update(id, func(n *model.Node) {
			if n.Status == model.NodeStarting {
				n.Status = model.NodeError
				n.Endpoint = endpoint
			}
		})
		return nil, fmt.Errorf("%w: node %s: %w", ErrDeployment, id, err)
	}

	o.supervisor.Track(id, handle)
	o.registry.Update(id, func(n *model.Node) {
		// Anything but starting means a deprovision got here first.
		if n.Status == model.NodeStarting {
			n.Status = model.NodeRunning
			n.Endpoint = endpoint
		}
	})
	node, ok := o.registry.Get(id)
	if !ok || node.Status != model.NodeRunning {
		// Deprovisioned while we were starting it.
		if h, tracked := o.supervisor.Release(id); tracked {
			h.Stop(ctx)
		}
		return nil, fmt.Errorf("%w: node %s removed during provisioning", ErrDeployment, id)
	}
	log.Info("node running", zap.Stringer("handle", handle))
	return node, nil
}

func (o *Orchestrator) runContainer(ctx context.Context, id string, port int, env map[string]string, s *model.ContainerStrategy) (Handle, error) {
	if o.containers == nil {
		return nil, errors.New("no container runtime configured")
	}
	_, err := o.containers.Start(ctx, ContainerSpec{
		Name:      id,
		Image:     s.Image,
		Env:       env,
		Args:      s.Args,
		Resources: s.Resources,
		Port:      port,
	})
	if err != nil {
		return nil, err
	}
	return containerHandle{runtime: o.containers, name: id}, nil
}

func (o *Orchestrator) runSource(ctx context.Context, env map[string]string, s *model.SourceStrategy) (Handle, error) {
	if o.fetcher == nil || o.launcher == nil {
		return nil, errors.New("no source fetcher or process launcher configured")
	}
	dir, err := o.fetcher.Fetch(ctx, s.Repo, s.Branch)
	if err != nil {
		return nil, err
	}
	command := s.StartCommand
	if strings.TrimSpace(command) == "" {
		command = DefaultStartCommand
	}
	proc, err := o.launcher.Launch(ProcessSpec{Command: command, Dir: dir, Env: env})
	if err != nil {
		return nil, err
	}
	return processHandle{proc: proc, dir: dir}, nil
}

func (o *Orchestrator) runScript(env map[string]string, s *model.ScriptStrategy) (Handle, error) {
	if o.launcher == nil {
		return nil, errors.New("no process launcher configured")
	}
	proc, err := o.launcher.Launch(ProcessSpec{Command: s.Command, Env: env})
	if err != nil {
		return nil, err
	}
	return processHandle{proc: proc}, nil
}

// Deprovision tears a node down and removes it from the registry. Teardown
// errors are logged and otherwise ignored. Unknown ids are a no-op.
func (o *Orchestrator) Deprovision(ctx context.Context, id string) {
	if !o.registry.Update(id, func(n *model.Node) { n.Status = model.NodeStopping }) {
		o.supervisor.Release(id)
		return
	}
	log := o.logger.With(zap.String("node", id))

	if handle, ok := o.supervisor.Release(id); ok {
		if err := handle.Stop(ctx); err != nil {
			log.Warn("teardown failed", zap.Stringer("handle", handle), zap.Error(err))
		}
	} else if o.containers != nil {
		// Not started by us; it may still be a container named after the node.
		if err := o.containers.Remove(ctx, id); err != nil {
			log.Debug("container teardown failed", zap.Error(err))
		}
	}

	o.registry.Update(id, func(n *model.Node) { n.Status = model.NodeStopped })
	o.registry.Deregister(id)
	log.Info("node deprovisioned")
}

// nodeEnv layers the node identity under the caller's environment.
func nodeEnv(env map[string]string, id string, port int) map[string]string {
	out := map[string]string{
		"EMBER_NODE_ID": id,
		"PORT":          strconv.Itoa(port),
	}
	for k, v := range env {
		out[k] = v
	}
	return out
}
