// Package master wires the registry, scheduler, orchestrator, health monitor
// and the optional mirror and event publisher into one control plane.
package master

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"ember/internal/clock"
	"ember/internal/config"
	"ember/internal/master/deploy"
	"ember/internal/master/events"
	"ember/internal/master/health"
	"ember/internal/master/registry"
	"ember/internal/master/scheduler"
	"ember/pkg/model"
	"ember/pkg/store"
)

var (
	// ErrNoMatch means no node qualified and no deployment was supplied.
	ErrNoMatch = errors.New("no matching node available")
	// ErrInvalidRequest means the provision request is malformed.
	ErrInvalidRequest = errors.New("invalid provision request")
)

// Options carries the collaborators New does not build from config.
// Nil fields get production defaults, except Containers and Store which
// stay disabled when nil.
type Options struct {
	Clock      clock.Clock
	Containers deploy.ContainerRuntime
	Fetcher    deploy.SourceFetcher
	Launcher   deploy.ProcessLauncher
	Store      store.Store
	Emitter    events.Emitter
	HTTPClient *http.Client
}

type Master struct {
	registry     *registry.Registry
	scheduler    *scheduler.Scheduler
	orchestrator *deploy.Orchestrator
	monitor      *health.Monitor
	mirror       *Mirror
	store        store.Store
	emitter      events.Emitter
	logger       *zap.Logger

	mu           sync.Mutex
	cancelMirror context.CancelFunc
}

func New(cfg *config.Config, opts Options, logger *zap.Logger) *Master {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = deploy.GitFetcher{}
	}
	if opts.Launcher == nil {
		opts.Launcher = deploy.NewExecLauncher(logger)
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Nop{}
	}

	reg := registry.New(opts.Clock, logger)
	m := &Master{
		registry:  reg,
		scheduler: scheduler.NewScheduler(reg, logger),
		orchestrator: deploy.NewOrchestrator(reg, opts.Containers, opts.Fetcher, opts.Launcher, deploy.Config{
			AdvertiseHost: cfg.Fleet.AdvertiseHost,
			DefaultPort:   cfg.Fleet.DefaultPort,
			MaxNodes:      cfg.Fleet.MaxNodes,
		}, logger),
		monitor: health.NewMonitor(reg, health.Config{
			Interval:    cfg.Health.Interval,
			Timeout:     cfg.Health.Timeout,
			Concurrency: cfg.Health.Concurrency,
			Client:      opts.HTTPClient,
		}, logger),
		store:   opts.Store,
		emitter: opts.Emitter,
		logger:  logger.Named("master"),
	}

	if opts.Store != nil {
		m.mirror = NewMirror(opts.Store, logger)
		reg.Subscribe(m.mirror)
	}
	reg.Subscribe(events.NewPublisher(opts.Emitter, opts.Clock))
	return m
}

// Start begins health checking and, when configured, mirroring.
func (m *Master) Start(ctx context.Context) {
	m.monitor.Start(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mirror != nil && m.cancelMirror == nil {
		mctx, cancel := context.WithCancel(ctx)
		m.cancelMirror = cancel
		go m.mirror.Run(mctx)
	}
	m.logger.Info("control plane started")
}

// Stop halts background work. Nodes and their detached processes are left
// running.
func (m *Master) Stop() {
	m.monitor.Stop()

	m.mu.Lock()
	cancel := m.cancelMirror
	m.cancelMirror = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-m.mirror.Done()
	}

	if err := m.emitter.Close(); err != nil {
		m.logger.Warn("close event emitter", zap.Error(err))
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Warn("close mirror store", zap.Error(err))
		}
	}
	m.logger.Info("control plane stopped")
}

// Provision returns an existing node for req.Model when one qualifies and
// otherwise deploys a new one from req.Deployment.
func (m *Master) Provision(ctx context.Context, req model.ProvisionRequest) (*model.ProvisionResult, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}

	if node, ok := m.scheduler.FindBestNode(scheduler.Request{
		Model:          req.Model,
		PreferWarm:     req.PreferWarm,
		MaxColdStartMs: req.MaxColdStartMs,
	}); ok {
		return provisionResult(node), nil
	}

	if req.Deployment == nil {
		return nil, ErrNoMatch
	}
	dep := *req.Deployment
	if len(dep.Models) == 0 {
		dep.Models = []string{req.Model}
	}
	node, err := m.orchestrator.Provision(ctx, dep)
	if err != nil {
		return nil, err
	}
	return provisionResult(node), nil
}

func provisionResult(node *model.Node) *model.ProvisionResult {
	res := &model.ProvisionResult{
		NodeID:   node.ID,
		Endpoint: node.Endpoint,
		Warmth:   node.Warmth,
	}
	if node.Warmth != model.WarmthCold {
		zero := 0.0
		res.EstimatedColdStartMs = &zero
	} else if node.ColdStartTime != nil {
		v := *node.ColdStartTime
		res.EstimatedColdStartMs = &v
	}
	return res
}

// Deprovision tears down a node. Unknown ids are a no-op.
func (m *Master) Deprovision(ctx context.Context, id string) {
	m.orchestrator.Deprovision(ctx, id)
}

// Register adds or replaces an externally managed node.
func (m *Master) Register(node *model.Node) error {
	return m.registry.Register(node)
}

// RecordInference reports whether the node existed.
func (m *Master) RecordInference(id string, report model.InferenceReport) bool {
	return m.registry.RecordInference(id, report.LatencyMs, report.ColdStart)
}

func (m *Master) Nodes() []*model.Node { return m.registry.List() }

func (m *Master) Node(id string) (*model.Node, bool) { return m.registry.Get(id) }

// Counts returns the number of running nodes and the total.
func (m *Master) Counts() (running, total int) { return m.registry.Counts() }

// CheckHealth runs one synchronous round of health probes.
func (m *Master) CheckHealth(ctx context.Context) { m.monitor.CheckOnce(ctx) }
