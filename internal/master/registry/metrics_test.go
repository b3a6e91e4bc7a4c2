package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/pkg/model"
)

func TestRecordInference_FirstSampleSetsAverage(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(runningNode("a", "llama")))

	require.True(t, r.RecordInference("a", 100, false))

	got, _ := r.Get("a")
	require.NotNil(t, got.AverageLatency)
	assert.Equal(t, 100.0, *got.AverageLatency)
	assert.Equal(t, int64(1), got.TotalInferences)
	require.NotNil(t, got.LastInference)
	assert.Equal(t, epoch, *got.LastInference)
	assert.Equal(t, model.WarmthHot, got.Warmth)
	assert.Nil(t, got.ColdStartTime)
}

func TestRecordInference_EMA(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(runningNode("a", "llama")))

	r.RecordInference("a", 100, false)
	r.RecordInference("a", 200, false)

	got, _ := r.Get("a")
	assert.InDelta(t, 110.0, *got.AverageLatency, 1e-9)
	assert.Equal(t, int64(2), got.TotalInferences)
}

func TestRecordInference_ColdStartKeepsMinimum(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(runningNode("a", "llama")))

	r.RecordInference("a", 500, true)
	r.RecordInference("a", 300, true)
	r.RecordInference("a", 900, true)
	r.RecordInference("a", 10, false)

	got, _ := r.Get("a")
	require.NotNil(t, got.ColdStartTime)
	assert.Equal(t, 300.0, *got.ColdStartTime)
}

func TestRecordInference_ResetsErrorCount(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(runningNode("a", "llama")))
	r.ApplyHealth("a", false)
	r.ApplyHealth("a", false)

	r.RecordInference("a", 40, false)

	got, _ := r.Get("a")
	assert.Equal(t, 0, got.ErrorCount)
}

func TestRecordInference_UnknownNodeIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	obs := &recordingObserver{}
	r.Subscribe(obs)

	assert.False(t, r.RecordInference("ghost", 100, true))
	assert.Empty(t, obs.changes)
	assert.Equal(t, 0, r.Len())
}
