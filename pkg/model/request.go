package model

// ProvisionRequest asks the control plane for a node serving Model.
// Deployment is only used when no existing node qualifies.
type ProvisionRequest struct {
	Model          string            `json:"model"`
	PreferWarm     bool              `json:"preferWarm,omitempty"`
	MaxColdStartMs *float64          `json:"maxColdStartMs,omitempty"`
	Deployment     *DeploymentConfig `json:"deployment,omitempty"`
}

// ProvisionResult tells the caller where to send the workload.
type ProvisionResult struct {
	NodeID               string   `json:"nodeId"`
	Endpoint             string   `json:"endpoint"`
	Warmth               Warmth   `json:"warmth"`
	EstimatedColdStartMs *float64 `json:"estimatedColdStartMs"`
}

// InferenceReport is posted by callers after an inference on a node completes.
type InferenceReport struct {
	LatencyMs float64 `json:"latencyMs"`
	ColdStart bool    `json:"coldStart"`
}
