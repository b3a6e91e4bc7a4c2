package deploy

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Handle is whatever has to be torn down to stop a provisioned node.
type Handle interface {
	Stop(ctx context.Context) error
	String() string
}

type containerHandle struct {
	runtime ContainerRuntime
	name    string
}

func (h containerHandle) Stop(ctx context.Context) error { return h.runtime.Remove(ctx, h.name) }
func (h containerHandle) String() string                 { return "container " + h.name }

type processHandle struct {
	proc Process
	dir  string // checkout to delete after stop, if any
}

func (h processHandle) Stop(ctx context.Context) error {
	err := h.proc.Terminate(ctx)
	if h.dir != "" {
		os.RemoveAll(h.dir)
	}
	return err
}

func (h processHandle) String() string { return fmt.Sprintf("process group %d", h.proc.Pid()) }

// Supervisor remembers the handle behind every provisioned node so teardown
// targets the right thing whatever strategy created it.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]Handle
}

func NewSupervisor() *Supervisor {
	return &Supervisor{handles: make(map[string]Handle)}
}

func (s *Supervisor) Track(nodeID string, h Handle) {
	s.mu.Lock()
	s.handles[nodeID] = h
	s.mu.Unlock()
}

// Release forgets and returns the handle for nodeID.
func (s *Supervisor) Release(nodeID string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[nodeID]
	if ok {
		delete(s.handles, nodeID)
	}
	return h, ok
}

func (s *Supervisor) Lookup(nodeID string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[nodeID]
	return h, ok
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
