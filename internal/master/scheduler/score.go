package scheduler

import (
	"math"
	"sort"

	"ember/pkg/model"
)

// latencyOf treats an unknown average latency as infinitely slow.
func latencyOf(node *model.Node) float64 {
	if node.AverageLatency == nil {
		return math.Inf(1)
	}
	return *node.AverageLatency
}

// warmNodes keeps candidates that are warm or hot.
func warmNodes(candidates []*model.Node) []*model.Node {
	warm := make([]*model.Node, 0, len(candidates))
	for _, node := range candidates {
		if node.Warmth != model.WarmthCold {
			warm = append(warm, node)
		}
	}
	return warm
}

// byWarmthThenLatency sorts hottest first, then fastest.
func byWarmthThenLatency(nodes []*model.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		ti, tj := nodes[i].Warmth.Tier(), nodes[j].Warmth.Tier()
		if ti != tj {
			return ti > tj
		}
		return latencyOf(nodes[i]) < latencyOf(nodes[j])
	})
}

// byLatency sorts fastest first.
func byLatency(nodes []*model.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return latencyOf(nodes[i]) < latencyOf(nodes[j])
	})
}
