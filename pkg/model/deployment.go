package model

import (
	"encoding/json"
	"fmt"
)

// StrategyKind names a deployment strategy.
type StrategyKind string

const (
	StrategyContainer StrategyKind = "container"
	StrategySource    StrategyKind = "source"
	StrategyScript    StrategyKind = "script"
)

// Strategy is the closed set of ways a node can be provisioned:
// *ContainerStrategy, *SourceStrategy or *ScriptStrategy.
type Strategy interface {
	Kind() StrategyKind
	isStrategy()
}

// ContainerStrategy runs the node from a container image.
type ContainerStrategy struct {
	Image     string
	Args      []string
	Resources Resources
}

// SourceStrategy shallow-clones a repository and runs a start command inside it.
type SourceStrategy struct {
	Repo         string
	Branch       string
	StartCommand string
}

// ScriptStrategy runs a shell command.
type ScriptStrategy struct {
	Command string
}

func (*ContainerStrategy) Kind() StrategyKind { return StrategyContainer }
func (*SourceStrategy) Kind() StrategyKind    { return StrategySource }
func (*ScriptStrategy) Kind() StrategyKind    { return StrategyScript }

func (*ContainerStrategy) isStrategy() {}
func (*SourceStrategy) isStrategy()    {}
func (*ScriptStrategy) isStrategy()    {}

// DeploymentConfig describes how to bring up a new node.
type DeploymentConfig struct {
	Strategy Strategy
	Env      map[string]string
	Port     int
	Endpoint string // overrides the derived endpoint when set
	Models   []string
	Hardware Hardware
}

// deploymentWire is the JSON shape accepted by the control plane.
type deploymentWire struct {
	Strategy StrategyKind      `json:"strategy,omitempty"`
	Image    string            `json:"image,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Memory   string            `json:"memory,omitempty"`
	CPUs     string            `json:"cpus,omitempty"`
	GPUs     string            `json:"gpus,omitempty"`
	Repo     string            `json:"repo,omitempty"`
	Branch   string            `json:"branch,omitempty"`
	StartCmd string            `json:"startCommand,omitempty"`
	Script   string            `json:"script,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Port     int               `json:"port,omitempty"`
	Endpoint string            `json:"endpoint,omitempty"`
	Models   []string          `json:"models,omitempty"`
	Hardware *Hardware         `json:"hardware,omitempty"`
}

// UnmarshalJSON selects the strategy variant. An explicit "strategy" field wins;
// otherwise the first present of image, repo and script decides. A payload with
// none of them decodes with a nil Strategy.
func (d *DeploymentConfig) UnmarshalJSON(data []byte) error {
	var w deploymentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	kind := w.Strategy
	if kind == "" {
		switch {
		case w.Image != "":
			kind = StrategyContainer
		case w.Repo != "":
			kind = StrategySource
		case w.Script != "":
			kind = StrategyScript
		}
	}

	*d = DeploymentConfig{
		Env:      w.Env,
		Port:     w.Port,
		Endpoint: w.Endpoint,
		Models:   w.Models,
	}
	if w.Hardware != nil {
		d.Hardware = *w.Hardware
	}

	switch kind {
	case "":
	case StrategyContainer:
		if w.Image == "" {
			return fmt.Errorf("deployment: container strategy requires image")
		}
		d.Strategy = &ContainerStrategy{
			Image:     w.Image,
			Args:      w.Args,
			Resources: Resources{Memory: w.Memory, CPUs: w.CPUs, GPUs: w.GPUs},
		}
	case StrategySource:
		if w.Repo == "" {
			return fmt.Errorf("deployment: source strategy requires repo")
		}
		d.Strategy = &SourceStrategy{Repo: w.Repo, Branch: w.Branch, StartCommand: w.StartCmd}
	case StrategyScript:
		if w.Script == "" {
			return fmt.Errorf("deployment: script strategy requires script")
		}
		d.Strategy = &ScriptStrategy{Command: w.Script}
	default:
		return fmt.Errorf("deployment: unknown strategy %q", kind)
	}
	return nil
}

// MarshalJSON writes the same shape UnmarshalJSON reads, always naming the strategy.
func (d DeploymentConfig) MarshalJSON() ([]byte, error) {
	w := deploymentWire{
		Env:      d.Env,
		Port:     d.Port,
		Endpoint: d.Endpoint,
		Models:   d.Models,
	}
	if d.Hardware != (Hardware{}) {
		hw := d.Hardware
		w.Hardware = &hw
	}
	switch s := d.Strategy.(type) {
	case *ContainerStrategy:
		w.Strategy = StrategyContainer
		w.Image = s.Image
		w.Args = s.Args
		w.Memory = s.Resources.Memory
		w.CPUs = s.Resources.CPUs
		w.GPUs = s.Resources.GPUs
	case *SourceStrategy:
		w.Strategy = StrategySource
		w.Repo = s.Repo
		w.Branch = s.Branch
		w.StartCmd = s.StartCommand
	case *ScriptStrategy:
		w.Strategy = StrategyScript
		w.Script = s.Command
	}
	return json.Marshal(w)
}
