// Package health polls every running node's health endpoint on a fixed
// interval and feeds the results back into the registry.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ember/pkg/model"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 8
)

// Registry is the part of the node registry the monitor needs.
type Registry interface {
	List() []*model.Node
	ApplyHealth(id string, healthy bool)
}

type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Client      *http.Client
}

type Monitor struct {
	registry    Registry
	client      *http.Client
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(registry Registry, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry:    registry,
		client:      cfg.Client,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		logger:      logger.Named("health"),
	}
}

// Start launches the ticker loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
}

// Stop cancels the ticker and any in-flight probes and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckOnce probes every running node once. Probes run concurrently; each
// result is applied to the registry as soon as it arrives.
func (m *Monitor) CheckOnce(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for _, node := range m.registry.List() {
		if node.Status != model.NodeRunning {
			continue
		}
		id, endpoint := node.ID, node.Endpoint
		g.Go(func() error {
			err := m.probe(ctx, endpoint)
			if ctx.Err() != nil {
				// Shutting down; a cancelled probe says nothing about the node.
				return nil
			}
			if err != nil {
				m.logger.Debug("health probe failed", zap.String("node", id), zap.Error(err))
			}
			m.registry.ApplyHealth(id, err == nil)
			return nil
		})
	}
	g.Wait()
}

func (m *Monitor) probe(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}
