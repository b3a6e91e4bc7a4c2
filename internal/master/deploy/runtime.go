package deploy

import (
	"context"

	"ember/pkg/model"
)

// ContainerSpec is everything needed to start one node container.
type ContainerSpec struct {
	Name      string // the node id
	Image     string
	Env       map[string]string
	Args      []string
	Resources model.Resources
	Port      int
}

// ContainerRuntime starts and tears down node containers.
type ContainerRuntime interface {
	// Start launches the container detached and returns its id once it is running.
	Start(ctx context.Context, spec ContainerSpec) (string, error)
	// Remove stops and deletes the container with the given name.
	Remove(ctx context.Context, name string) error
}

// SourceFetcher materialises a repository checkout in a fresh directory.
type SourceFetcher interface {
	Fetch(ctx context.Context, repo, branch string) (dir string, err error)
}

// ProcessSpec is a shell command to run detached from the control plane.
type ProcessSpec struct {
	Command string
	Dir     string
	Env     map[string]string // merged over the control plane's environment
}

// Process is a launched detached process.
type Process interface {
	Pid() int
	// Terminate signals the whole process group and waits for it to exit.
	Terminate(ctx context.Context) error
}

// ProcessLauncher starts detached processes.
type ProcessLauncher interface {
	Launch(spec ProcessSpec) (Process, error)
}
