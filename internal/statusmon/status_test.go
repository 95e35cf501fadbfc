package statusmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckit/batchorch/internal/domain"
	"github.com/speckit/batchorch/internal/metadatastore"
)

func TestSnapshot_AggregatesCounts(t *testing.T) {
	m := New("run-1", metadatastore.New(t.TempDir(), nil, nil), nil, nil)
	m.InitSpec("a", 0)
	m.InitSpec("b", 0)
	m.InitSpec("c", 1)

	m.UpdateSpec("a", SpecCompleted, "agent-1", "")
	m.UpdateSpec("b", SpecFailed, "agent-2", "boom")
	m.UpdateSpec("c", SpecRunning, "agent-3", "")
	m.SetBatchInfo(1, 2)
	m.SetRunState(RunRunning)

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 1, snap.CurrentBatch)
	assert.Equal(t, 2, snap.TotalBatches)
	assert.Equal(t, RunRunning, snap.State)
	assert.False(t, snap.StartedAt.IsZero())
}

func TestIncrementRetry(t *testing.T) {
	m := New("run-1", metadatastore.New(t.TempDir(), nil, nil), nil, nil)
	m.InitSpec("a", 0)
	assert.Equal(t, 1, m.IncrementRetry("a"))
	assert.Equal(t, 2, m.IncrementRetry("a"))
}

func TestHandleEvent_UnknownSpecIsNoOp(t *testing.T) {
	m := New("run-1", metadatastore.New(t.TempDir(), nil, nil), nil, nil)
	assert.NotPanics(t, func() {
		m.HandleEvent(AgentEvent{Spec: "ghost", Type: "thread_started"})
	})
}

func TestHandleEvent_TurnStartedIncrementsCounter(t *testing.T) {
	m := New("run-1", metadatastore.New(t.TempDir(), nil, nil), nil, nil)
	m.InitSpec("a", 0)
	m.HandleEvent(AgentEvent{Spec: "a", Type: "turn_started"})
	m.HandleEvent(AgentEvent{Spec: "a", Type: "turn_started"})
	snap := m.Snapshot()
	assert.Equal(t, 2, snap.Specs["a"].TurnCount)
}

func TestRecordSummary_IsRetrievable(t *testing.T) {
	m := New("run-1", metadatastore.New(t.TempDir(), nil, nil), nil, nil)
	summary := domain.ResultSummary{SpecID: "a", RiskLevel: domain.RiskLow}
	m.RecordSummary("a", summary)
	got := m.Summaries()
	require.Contains(t, got, "a")
	assert.Equal(t, domain.RiskLow, got["a"].RiskLevel)
}

func TestSyncExternal_TransitionsLifecycleOnCompletion(t *testing.T) {
	store := metadatastore.New(t.TempDir(), nil, nil)
	m := New("run-1", store, nil, nil)
	require.NoError(t, store.TransitionLifecycle("a", domain.LifecycleAssigned))
	require.NoError(t, store.TransitionLifecycle("a", domain.LifecycleInProgress))

	m.SyncExternal("a", SpecCompleted)

	rec := store.ReadLifecycle("a")
	assert.Equal(t, domain.LifecycleCompleted, rec.Status)
}
