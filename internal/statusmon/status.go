// Package statusmon implements C4: per-spec and aggregate run state,
// per spec.md §4.4.
package statusmon

import (
	"sync"
	"time"

	"github.com/speckit/batchorch/internal/domain"
	"github.com/speckit/batchorch/internal/metadatastore"
	"github.com/speckit/batchorch/pkg/eventbus"
	"github.com/speckit/batchorch/pkg/logger"
)

// RunStateKind is the aggregate run state (spec.md §3's RunState.state).
type RunStateKind string

const (
	RunIdle      RunStateKind = "idle"
	RunRunning   RunStateKind = "running"
	RunCompleted RunStateKind = "completed"
	RunFailed    RunStateKind = "failed"
	RunStopped   RunStateKind = "stopped"
)

// SpecRunStatus is a single spec's status within a run.
type SpecRunStatus string

const (
	SpecPending   SpecRunStatus = "pending"
	SpecRunning   SpecRunStatus = "running"
	SpecCompleted SpecRunStatus = "completed"
	SpecFailed    SpecRunStatus = "failed"
	SpecTimeout   SpecRunStatus = "timeout"
	SpecSkipped   SpecRunStatus = "skipped"
)

// SpecRunState is the per-spec entry of RunState (spec.md §3).
type SpecRunState struct {
	Status     SpecRunStatus
	BatchIndex int
	AgentID    string
	RetryCount int
	LastError  string
	TurnCount  int
}

// Monitor owns every spec's RunState entry plus the aggregate run
// state. All mutation goes through its exported methods so the
// mutex discipline in spec.md §5 ("RunState is mutated only by the
// spec-executor owning the spec and by StatusMonitor's event handler")
// holds: snapshot() is always consistent with concurrent writers.
type Monitor struct {
	mu sync.RWMutex

	runID        string
	state        RunStateKind
	startedAt    time.Time
	completedAt  time.Time
	currentBatch int
	totalBatches int
	specs        map[string]*SpecRunState
	summaries    map[string]domain.ResultSummary

	store *metadatastore.Store // best-effort lifecycle projection (sync_external)
	bus   *eventbus.Bus
	log   logger.Logger
}

// New creates an empty Monitor for runID.
func New(runID string, store *metadatastore.Store, bus *eventbus.Bus, log logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewSimpleLogger()
	}
	return &Monitor{
		runID:     runID,
		state:     RunIdle,
		specs:     make(map[string]*SpecRunState),
		summaries: make(map[string]domain.ResultSummary),
		store:     store,
		bus:       bus,
		log:       log,
	}
}

// InitSpec registers spec as pending in batchIndex.
func (m *Monitor) InitSpec(spec string, batchIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec] = &SpecRunState{Status: SpecPending, BatchIndex: batchIndex}
}

// UpdateSpec transitions spec's status, optionally recording its agent
// id and/or last error. Moving back to SpecPending is the retry path's
// responsibility (spec.md §4.4's determinism note) and is allowed here.
func (m *Monitor) UpdateSpec(spec string, status SpecRunStatus, agentID string, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.specs[spec]
	if !ok {
		s = &SpecRunState{}
		m.specs[spec] = s
	}
	s.Status = status
	if agentID != "" {
		s.AgentID = agentID
	}
	if errMsg != "" {
		s.LastError = errMsg
	}
}

// IncrementRetry bumps spec's retry counter and returns the new value.
func (m *Monitor) IncrementRetry(spec string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.specs[spec]
	if !ok {
		s = &SpecRunState{}
		m.specs[spec] = s
	}
	s.RetryCount++
	return s.RetryCount
}

// SetBatchInfo records the current/total batch counters.
func (m *Monitor) SetBatchInfo(current, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentBatch = current
	m.totalBatches = total
}

// SetRunState transitions the aggregate run state, stamping started_at
// / completed_at on the relevant edges.
func (m *Monitor) SetRunState(state RunStateKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state == RunRunning && m.startedAt.IsZero() {
		m.startedAt = time.Now().UTC()
	}
	if state == RunCompleted || state == RunFailed || state == RunStopped {
		m.completedAt = time.Now().UTC()
	}
	m.state = state
}

// RecordSummary stores the validated result summary for a completed spec.
func (m *Monitor) RecordSummary(spec string, summary domain.ResultSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[spec] = summary
}

// AgentEvent is the tolerant shape handle_event accepts: any field may
// be absent, and unknown Type values are silently ignored. In production
// this is fed by internal/supervisor's stdout progress-line parser via
// internal/engine's awaitTerminal loop, not published directly on the bus.
type AgentEvent struct {
	AgentID string
	Spec    string
	Type    string // "thread_started", "error", "turn_started", ...
	Message string
}

// HandleEvent applies a lifecycle event's effect on run state. It never
// raises: malformed input (unknown agent, unknown type) is a no-op.
func (m *Monitor) HandleEvent(evt AgentEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.specs[evt.Spec]
	if !ok {
		return
	}
	switch evt.Type {
	case "thread_started":
		s.Status = SpecRunning
	case "error":
		s.LastError = evt.Message
	case "turn_started":
		s.TurnCount++
	default:
		// Unknown event types are silently ignored per spec.md §4.4.
	}
}

// Status is the per-spec view returned by Snapshot.
type Status struct {
	Status     SpecRunStatus `json:"status"`
	BatchIndex int           `json:"batch_index"`
	AgentID    string        `json:"agent_id,omitempty"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	TurnCount  int           `json:"turn_count"`
}

// OrchestrationStatus is the aggregate snapshot (spec.md §4.4).
type OrchestrationStatus struct {
	RunID        string                 `json:"run_id"`
	State        RunStateKind           `json:"state"`
	StartedAt    time.Time              `json:"started_at,omitempty"`
	CompletedAt  time.Time              `json:"completed_at,omitempty"`
	Total        int                    `json:"total"`
	Completed    int                    `json:"completed"`
	Failed       int                    `json:"failed"`
	Running      int                    `json:"running"`
	CurrentBatch int                    `json:"current_batch"`
	TotalBatches int                    `json:"total_batches"`
	Specs        map[string]Status      `json:"specs"`
}

// Snapshot returns a serializable, consistent aggregate view. It takes
// only a read lock, so it never blocks on (or is blocked by) another
// reader.
func (m *Monitor) Snapshot() OrchestrationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := OrchestrationStatus{
		RunID:        m.runID,
		State:        m.state,
		StartedAt:    m.startedAt,
		CompletedAt:  m.completedAt,
		CurrentBatch: m.currentBatch,
		TotalBatches: m.totalBatches,
		Total:        len(m.specs),
		Specs:        make(map[string]Status, len(m.specs)),
	}
	for name, s := range m.specs {
		out.Specs[name] = Status{
			Status: s.Status, BatchIndex: s.BatchIndex, AgentID: s.AgentID,
			RetryCount: s.RetryCount, LastError: s.LastError, TurnCount: s.TurnCount,
		}
		switch s.Status {
		case SpecCompleted:
			out.Completed++
		case SpecFailed, SpecTimeout:
			out.Failed++
		case SpecRunning:
			out.Running++
		}
	}
	return out
}

// Summaries returns a copy of every recorded result summary.
func (m *Monitor) Summaries() map[string]domain.ResultSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.ResultSummary, len(m.summaries))
	for k, v := range m.summaries {
		out[k] = v
	}
	return out
}

// SyncExternal best-effort projects a run-local status onto spec's
// persisted lifecycle record and logs (never raises) on failure, per
// spec.md §4.4.
func (m *Monitor) SyncExternal(spec string, status SpecRunStatus) {
	var target domain.LifecycleStatus
	switch status {
	case SpecRunning:
		target = domain.LifecycleInProgress
	case SpecCompleted:
		target = domain.LifecycleCompleted
	default:
		return // no-op for other statuses, per spec.md §4.4
	}
	if m.store == nil {
		return
	}
	if err := m.store.TransitionLifecycle(spec, target); err != nil {
		m.log.Warn("statusmon: external lifecycle sync failed", "spec", spec, "error", err)
		if m.bus != nil {
			m.bus.Publish("lifecycle:warning", map[string]interface{}{"spec": spec, "error": err.Error()})
		}
	}
}
