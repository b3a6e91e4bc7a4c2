package registry

import (
	"time"

	"ember/pkg/model"
)

const (
	// WarmBoundary is how long after an inference a node stops being hot.
	WarmBoundary = 10 * time.Second
	// ColdBoundary is how long after an inference a node stops being warm.
	ColdBoundary = 60 * time.Second
)

// Classify derives warmth from the time of the last served inference.
func Classify(lastInference *time.Time, now time.Time) model.Warmth {
	if lastInference == nil {
		return model.WarmthCold
	}
	elapsed := now.Sub(*lastInference)
	switch {
	case elapsed < WarmBoundary:
		return model.WarmthHot
	case elapsed < ColdBoundary:
		return model.WarmthWarm
	default:
		return model.WarmthCold
	}
}
