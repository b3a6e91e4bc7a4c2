// Package worker is the node agent: it serves the health endpoint the master
// probes and keeps the node registered with the master.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ember/pkg/model"
)

const DefaultHeartbeatInterval = 10 * time.Second

type Config struct {
	ID        string
	MasterURL string
	Listen    string // address the health server binds
	Endpoint  string // address the master should use; defaults to http://<Listen>
	Models    []string
	Hardware  model.Hardware
	Heartbeat time.Duration
	Client    *http.Client
}

type Agent struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func NewAgent(cfg Config, logger *zap.Logger) (*Agent, error) {
	if cfg.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if cfg.MasterURL == "" {
		return nil, errors.New("master url is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://" + cfg.Listen
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeatInterval
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:    cfg,
		client: cfg.Client,
		logger: logger.Named("agent").With(zap.String("node", cfg.ID)),
	}, nil
}

// Handler serves the endpoints the master calls on this node.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "id": a.cfg.ID})
	})
	return r
}

// Run serves the health endpoint and heartbeats until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Listen, err)
	}
	srv := &http.Server{Handler: a.Handler()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.Info("node agent listening", zap.String("addr", ln.Addr().String()), zap.String("master", a.cfg.MasterURL))

	a.startHeartbeat(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startHeartbeat makes sure the master knows this node. It registers until
// accepted, then only re-registers when the master has lost the record,
// so observed metrics are not wiped on every tick.
func (a *Agent) startHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()

	a.heartbeat(ctx)
	for {
		select {
		case <-ticker.C:
			a.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	known, err := a.isRegistered(ctx)
	if err != nil {
		a.logger.Warn("master unreachable", zap.Error(err))
		return
	}
	if known {
		return
	}
	if err := a.register(ctx); err != nil {
		a.logger.Warn("registration failed", zap.Error(err))
		return
	}
	a.logger.Info("registered with master", zap.String("endpoint", a.cfg.Endpoint))
}

func (a *Agent) masterURL(path string) string {
	return strings.TrimRight(a.cfg.MasterURL, "/") + path
}

func (a *Agent) isRegistered(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.masterURL("/nodes/"+a.cfg.ID), nil)
	if err != nil {
		return false, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("master returned %d", resp.StatusCode)
	}
}

func (a *Agent) register(ctx context.Context) error {
	body, err := json.Marshal(&model.Node{
		ID:       a.cfg.ID,
		Endpoint: a.cfg.Endpoint,
		Status:   model.NodeRunning,
		Models:   a.cfg.Models,
		Hardware: a.cfg.Hardware,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.masterURL("/nodes"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("master returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return nil
}
