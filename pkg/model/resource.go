package model

// Isolation technologies a node may run its workload under.
const (
	IsolationNone = "none"
	IsolationSGX  = "sgx"
	IsolationTDX  = "tdx"
	IsolationSEV  = "sev"
)

// Hardware describes what a node can offer a workload.
type Hardware struct {
	Accelerator         string `json:"accelerator,omitempty"` // e.g. "nvidia-h100", "cpu"
	AcceleratorMemoryMB int64  `json:"acceleratorMemoryMb,omitempty"`
	Isolation           string `json:"isolation,omitempty"`
}

// Resources are container limits in the same string form the docker CLI accepts.
type Resources struct {
	Memory string `json:"memory,omitempty"` // "8g", "512m"
	CPUs   string `json:"cpus,omitempty"`   // "2", "0.5"
	GPUs   string `json:"gpus,omitempty"`   // "all" or a count
}
