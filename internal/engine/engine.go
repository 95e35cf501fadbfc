// Package engine implements C7: the top-level OrchestrationEngine wiring
// C1-C6, per spec.md §4.7.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/speckit/batchorch/internal/config"
	"github.com/speckit/batchorch/internal/contractgate"
	"github.com/speckit/batchorch/internal/depgraph"
	"github.com/speckit/batchorch/internal/domain"
	"github.com/speckit/batchorch/internal/ferrors"
	"github.com/speckit/batchorch/internal/metadatastore"
	"github.com/speckit/batchorch/internal/rategate"
	"github.com/speckit/batchorch/internal/statusmon"
	"github.com/speckit/batchorch/internal/supervisor"
	"github.com/speckit/batchorch/pkg/eventbus"
	"github.com/speckit/batchorch/pkg/logger"
	"github.com/speckit/batchorch/pkg/obs"
)

// fallbackGrace is added to the per-agent timeout to bound the agent-wait
// suspension point even if lifecycle events never arrive (spec.md §4.7).
const fallbackGrace = 30 * time.Second

// Plan is the immutable execution plan built once at run start.
type Plan struct {
	Specs     []string   `json:"specs"`
	Batches   [][]string `json:"batches"`
	HasCycle  bool       `json:"has_cycle"`
	CyclePath []string   `json:"cycle_path,omitempty"`
}

// Result is the terminal object returned by Start/Resume and by Status.
type Result struct {
	State              statusmon.RunStateKind          `json:"state"`
	Plan               *Plan                           `json:"plan,omitempty"`
	Completed          []string                        `json:"completed"`
	Failed             []string                        `json:"failed"`
	Skipped            []string                        `json:"skipped"`
	ResultSummaries    map[string]domain.ResultSummary `json:"result_summaries"`
	CoordinationPolicy config.CoordinationPolicy       `json:"coordination_policy"`
	Error              string                          `json:"error,omitempty"`
}

// Engine is the top-level coordinator. One instance owns exactly one
// run's RunState, RateGate state, and event bus subscriptions (spec.md
// §9's "no global mutable state" note) — concurrent runs must each get
// their own Engine.
type Engine struct {
	specsRoot         string
	runRoot           string
	coordBaselinePath string
	profiles          map[string]config.RateLimitDefaults
	baseOverrides     config.Overrides

	store   *metadatastore.Store
	channel *eventbus.AgentChannels
	sup     *supervisor.Supervisor
	bus     *eventbus.Bus
	log     logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopped atomic.Bool

	monitor  *statusmon.Monitor
	gate     *rategate.Gate
	contract *contractgate.Gate
	cfg      config.Resolved
	coord    config.CoordinationPolicy
}

// New creates an Engine rooted at specsRoot (holding <spec>/collaboration.json
// etc.) and runRoot (holding per-agent result summaries for this process).
// baseOverrides is the file+env layer resolved once at process start;
// per-call runtime overrides are merged on top of it at Start/Resume.
func New(specsRoot, runRoot, coordBaselinePath string, factory supervisor.CommandFactory, baseOverrides config.Overrides, bus *eventbus.Bus, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NewSimpleLogger()
	}
	profiles, err := config.LoadProfiles()
	if err != nil {
		return nil, fmt.Errorf("engine: load rate-limit profiles: %w", err)
	}
	channels := eventbus.NewAgentChannels()
	store := metadatastore.New(specsRoot, bus, log)
	sup := supervisor.New(specsRoot, runRoot, factory, channels, bus, log)

	return &Engine{
		specsRoot:         specsRoot,
		runRoot:           runRoot,
		coordBaselinePath: coordBaselinePath,
		profiles:          profiles,
		baseOverrides:     baseOverrides,
		store:             store,
		channel:           channels,
		sup:               sup,
		bus:               bus,
		log:               log,
	}, nil
}

// Start validates, plans, and executes specs. It rejects with
// ferrors.ErrAlreadyRunning if a run is already in progress on this
// Engine.
func (e *Engine) Start(ctx context.Context, specs []string, overrides config.Overrides) (Result, error) {
	return e.run(ctx, specs, overrides, nil)
}

// Resume re-enters a previously stopped or partial run: specs already
// completed per prior are treated as satisfied without re-dispatching
// their agents, and dependency readiness for the rest is computed over
// the full spec set so edges into already-completed specs resolve
// correctly. This is the explicit entry point called for in spec.md §9
// in place of implicitly re-deriving progress from disk.
func (e *Engine) Resume(ctx context.Context, specs []string, prior Result, overrides config.Overrides) (Result, error) {
	preCompleted := make(map[string]bool, len(prior.Completed))
	for _, s := range prior.Completed {
		preCompleted[s] = true
	}
	return e.run(ctx, specs, overrides, preCompleted)
}

func (e *Engine) run(ctx context.Context, specs []string, overrides config.Overrides, preCompleted map[string]bool) (Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		err := ferrors.Wrap("engine.start", "", ferrors.ErrAlreadyRunning)
		return Result{State: statusmon.RunFailed, Error: err.Error()}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.stopped.Store(false)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	cfg, err := config.Resolve(e.profiles, e.baseOverrides, overrides)
	if err != nil {
		return e.configFailure(specs, err)
	}
	coord, err := config.LoadCoordinationPolicy(e.coordBaselinePath, nil)
	if err != nil {
		return e.configFailure(specs, err)
	}
	e.cfg = cfg
	e.coord = coord
	e.gate = rategate.New(rategate.FromResolved(cfg), e.bus, e.log)
	e.contract = contractgate.New(coord)

	runID := uuid.NewString()
	e.monitor = statusmon.New(runID, e.store, e.bus, e.log)

	for _, spec := range specs {
		info, statErr := os.Stat(filepath.Join(e.specsRoot, spec))
		if statErr != nil || !info.IsDir() {
			return e.configFailure(specs, ferrors.Wrap("engine.start", spec, ferrors.ErrSpecDirMissing))
		}
	}

	metaOf := func(spec string) (*domain.Metadata, error) {
		m, err := e.store.Read(spec)
		if err != nil {
			return nil, err
		}
		if m == nil {
			fresh := domain.Metadata{
				Version: "1.0.0",
				Type:    domain.SpecTypeSub,
				Status:  domain.Status{Current: domain.SpecStatusNotStarted, UpdatedAt: time.Now().UTC()},
			}
			return &fresh, nil
		}
		return m, nil
	}

	graph, warnings, err := depgraph.BuildGraph(specs, metaOf)
	if err != nil {
		return e.configFailure(specs, err)
	}
	for _, w := range warnings {
		e.log.Warn("engine: " + w)
	}

	if cycle := depgraph.DetectCycle(graph); cycle != nil {
		plan := &Plan{Specs: specs, HasCycle: true, CyclePath: cycle}
		err := ferrors.Wrap("engine.start", "", ferrors.ErrCycleDetected)
		return Result{State: statusmon.RunFailed, Plan: plan, CoordinationPolicy: coord, Error: err.Error()}, err
	}

	batches, err := depgraph.ComputeBatches(graph, specs)
	if err != nil {
		return e.configFailure(specs, err)
	}
	plan := &Plan{Specs: specs, Batches: batches}

	for bi, batch := range batches {
		for _, s := range batch {
			e.monitor.InitSpec(s, bi)
		}
	}
	e.monitor.SetBatchInfo(0, len(batches))
	e.monitor.SetRunState(statusmon.RunRunning)

	skipped := make(map[string]bool)
	var skipMu sync.Mutex
	if preCompleted != nil {
		for spec := range preCompleted {
			e.monitor.UpdateSpec(spec, statusmon.SpecCompleted, "", "")
		}
	}

	for bi, batch := range batches {
		if e.stopped.Load() {
			break
		}
		e.monitor.SetBatchInfo(bi, len(batches))

		var active []string
		for _, s := range batch {
			if preCompleted != nil && preCompleted[s] {
				continue
			}
			skipMu.Lock()
			already := skipped[s]
			skipMu.Unlock()
			if already {
				continue
			}
			active = append(active, s)
		}
		if len(active) == 0 {
			continue
		}

		e.bus.Publish(obs.TopicBatchStart, map[string]interface{}{"batch_index": bi, "specs": active})
		e.runBatch(runCtx, active, graph, specs, skipped, &skipMu)
		e.bus.Publish(obs.TopicBatchComplete, map[string]interface{}{"batch_index": bi})
	}

	snap := e.monitor.Snapshot()
	state := statusmon.RunCompleted
	switch {
	case e.stopped.Load():
		state = statusmon.RunStopped
	case snap.Failed > 0:
		state = statusmon.RunFailed
	}
	e.monitor.SetRunState(state)
	e.bus.Publish(obs.TopicOrchestrationDone, map[string]interface{}{"state": state})

	return e.buildResult(state, plan), nil
}

// Stop requests cancellation: all sleeping admission/retry waits wake
// within one scheduling slice, every in-flight agent is killed through
// C3, and no further spec is dispatched. Safe to call even when idle.
func (e *Engine) Stop() {
	e.stopped.Store(true)
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.sup.KillAll()
}

// Status is a pass-through snapshot of the active (or most recent) run.
func (e *Engine) Status() statusmon.OrchestrationStatus {
	e.mu.Lock()
	m := e.monitor
	e.mu.Unlock()
	if m == nil {
		return statusmon.OrchestrationStatus{State: statusmon.RunIdle}
	}
	return m.Snapshot()
}

func (e *Engine) configFailure(specs []string, err error) (Result, error) {
	plan := &Plan{Specs: specs}
	return Result{State: statusmon.RunFailed, Plan: plan, Error: err.Error()}, err
}

func (e *Engine) buildResult(state statusmon.RunStateKind, plan *Plan) Result {
	snap := e.monitor.Snapshot()
	res := Result{
		State:              state,
		Plan:               plan,
		ResultSummaries:    e.monitor.Summaries(),
		CoordinationPolicy: e.coord,
	}
	for spec, s := range snap.Specs {
		switch s.Status {
		case statusmon.SpecCompleted:
			res.Completed = append(res.Completed, spec)
		case statusmon.SpecFailed, statusmon.SpecTimeout:
			res.Failed = append(res.Failed, spec)
		case statusmon.SpecSkipped:
			res.Skipped = append(res.Skipped, spec)
		}
	}
	return res
}

// runBatch implements spec.md §4.7 step 2: a pending queue and an
// in-flight set, admitting through RateGate while slots and budget
// allow, and otherwise waiting for an in-flight spec to settle.
func (e *Engine) runBatch(runCtx context.Context, batch []string, graph *depgraph.Graph, allSpecs []string, skipped map[string]bool, skipMu *sync.Mutex) {
	pending := append([]string(nil), batch...)
	pendingIdx := 0
	inFlight := 0
	settled := make(chan struct{}, len(batch))

	for pendingIdx < len(pending) || inFlight > 0 {
		for pendingIdx < len(pending) && inFlight < e.gate.EffectiveParallel() && !e.stopped.Load() {
			spec := pending[pendingIdx]
			pendingIdx++

			skipMu.Lock()
			already := skipped[spec]
			skipMu.Unlock()
			if already {
				continue
			}

			if err := e.gate.AwaitAdmission(runCtx); err != nil {
				// Cancelled by Stop(); the outer loop will observe stopped
				// and stop admitting further specs.
				break
			}
			e.gate.RecordLaunch()
			inFlight++

			go func(spec string) {
				defer func() { settled <- struct{}{} }()
				e.executeSpec(runCtx, spec, graph, allSpecs, skipped, skipMu)
			}(spec)
		}

		if inFlight == 0 {
			break
		}
		<-settled
		inFlight--
		e.gate.RecoveryTick()
	}
}

// executeSpec drives one spec through spawn, lifecycle wait, and
// contract evaluation, retrying transient and rate-limit failures up to
// their respective ceilings (spec.md §4.7 steps 3-4).
func (e *Engine) executeSpec(runCtx context.Context, spec string, graph *depgraph.Graph, allSpecs []string, skipped map[string]bool, skipMu *sync.Mutex) {
	retryCount := 0
	for {
		if e.stopped.Load() {
			e.monitor.UpdateSpec(spec, statusmon.SpecSkipped, "", "stopped")
			return
		}

		if err := e.store.TransitionLifecycle(spec, domain.LifecycleAssigned); err != nil {
			e.log.Warn("engine: lifecycle transition failed", "spec", spec, "error", err)
		}
		if err := e.store.TransitionLifecycle(spec, domain.LifecycleInProgress); err != nil {
			e.log.Warn("engine: lifecycle transition failed", "spec", spec, "error", err)
		}

		e.monitor.UpdateSpec(spec, statusmon.SpecRunning, "", "")
		e.monitor.SyncExternal(spec, statusmon.SpecRunning)
		e.bus.Publish(obs.TopicSpecStart, map[string]interface{}{"spec": spec, "retry_count": retryCount})

		agentID, err := e.sup.Spawn(runCtx, spec, time.Duration(e.cfg.TimeoutSeconds)*time.Second)
		if err != nil {
			if e.handleFailure(runCtx, spec, agentID, retryCount, err, graph, allSpecs, skipped, skipMu) {
				retryCount++
				continue
			}
			return
		}

		terminal, ok := e.awaitTerminal(agentID, spec)
		e.sup.CloseEvents(agentID)

		if !ok {
			terminal = eventbus.AgentEvent{Kind: eventbus.AgentTimeout, AgentID: agentID, Spec: spec, TimeoutSec: e.cfg.TimeoutSeconds}
		}

		switch terminal.Kind {
		case eventbus.AgentCompleted:
			summary, readErr := e.sup.GetResultSummary(agentID)
			if readErr != nil {
				if e.handleFailure(runCtx, spec, agentID, retryCount, ferrors.WrapAgent("engine.execute_spec", spec, agentID, readErr), graph, allSpecs, skipped, skipMu) {
					retryCount++
					continue
				}
				return
			}
			validated, cErr := e.contract.Evaluate(spec, summary)
			if cErr != nil {
				e.handleFailure(runCtx, spec, agentID, retryCount, cErr, graph, allSpecs, skipped, skipMu)
				return
			}
			e.monitor.RecordSummary(spec, validated)
			e.monitor.UpdateSpec(spec, statusmon.SpecCompleted, agentID, "")
			e.monitor.SyncExternal(spec, statusmon.SpecCompleted)
			e.bus.Publish(obs.TopicSpecComplete, map[string]interface{}{"spec": spec, "agent_id": agentID, "summary": validated})
			return

		default: // AgentFailed, AgentTimeout
			var failErr error
			if terminal.Kind == eventbus.AgentTimeout {
				failErr = ferrors.WrapAgent("engine.execute_spec", spec, agentID, ferrors.ErrAgentTimeout)
			} else if rategate.IsRateLimitSignal(terminal.Stderr) {
				failErr = ferrors.WrapAgent("engine.execute_spec", spec, agentID, fmt.Errorf("%w: %s", ferrors.ErrRateLimited, terminal.Stderr))
			} else {
				failErr = ferrors.WrapAgent("engine.execute_spec", spec, agentID, fmt.Errorf("%w: %s", ferrors.ErrAgentFailed, terminal.Stderr))
			}
			if e.handleFailure(runCtx, spec, agentID, retryCount, failErr, graph, allSpecs, skipped, skipMu) {
				retryCount++
				continue
			}
			return
		}
	}
}

// awaitTerminal drains agentID's channel until a terminal event or the
// fallback grace timeout, per spec.md §4.7 step 3.
func (e *Engine) awaitTerminal(agentID, spec string) (eventbus.AgentEvent, bool) {
	events := e.sup.Events(agentID)
	fallback := time.Duration(e.cfg.TimeoutSeconds)*time.Second + fallbackGrace
	timer := time.NewTimer(fallback)
	defer timer.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return eventbus.AgentEvent{}, false
			}
			if evt.Kind.IsTerminal() {
				return evt, true
			}
			e.monitor.HandleEvent(statusmon.AgentEvent{
				AgentID: evt.AgentID, Spec: evt.Spec, Type: progressEventType(evt.Kind), Message: evt.Message,
			})
		case <-timer.C:
			return eventbus.AgentEvent{}, false
		}
	}
}

// progressEventType maps a non-terminal supervisor event to the
// handle_event type name spec.md §4.4 defines.
func progressEventType(kind eventbus.AgentEventKind) string {
	switch kind {
	case eventbus.AgentThreadStarted:
		return "thread_started"
	case eventbus.AgentTurnStarted:
		return "turn_started"
	case eventbus.AgentProgressError:
		return "error"
	default:
		return ""
	}
}

// handleFailure applies the retry-or-terminal decision for one failed
// attempt. It returns true if the caller should retry the same spec.
func (e *Engine) handleFailure(runCtx context.Context, spec, agentID string, retryCount int, err error, graph *depgraph.Graph, allSpecs []string, skipped map[string]bool, skipMu *sync.Mutex) bool {
	if e.stopped.Load() {
		e.monitor.UpdateSpec(spec, statusmon.SpecSkipped, agentID, "stopped")
		return false
	}

	isRateLimited := ferrors.IsRateLimited(err)
	isContract := ferrors.IsContractViolation(err)

	if !isContract {
		limit := e.gate.RetryLimit(isRateLimited)
		if retryCount < limit {
			e.monitor.IncrementRetry(spec)
			if isRateLimited {
				delay := e.gate.OnRateLimitSignal(err.Error(), retryCount)
				if delay > 0 {
					timer := time.NewTimer(delay)
					select {
					case <-runCtx.Done():
					case <-timer.C:
					}
					timer.Stop()
				}
			}
			return true
		}
	}

	e.monitor.UpdateSpec(spec, statusmon.SpecFailed, agentID, err.Error())
	e.bus.Publish(obs.TopicSpecFailed, map[string]interface{}{
		"spec": spec, "agent_id": agentID, "error": err.Error(),
		"summary_contract_violation": isContract,
	})
	e.propagateSkip(spec, graph, allSpecs, skipped, skipMu)
	return false
}

// propagateSkip marks every spec transitively dependent on failedSpec as
// skipped, per spec.md §4.7 step 5 / §9's propagation-algorithm note.
func (e *Engine) propagateSkip(failedSpec string, graph *depgraph.Graph, allSpecs []string, skipped map[string]bool, skipMu *sync.Mutex) {
	dependents := depgraph.Reachable(graph, allSpecs, failedSpec)

	skipMu.Lock()
	defer skipMu.Unlock()
	for _, d := range dependents {
		if skipped[d] {
			continue
		}
		skipped[d] = true
		e.monitor.UpdateSpec(d, statusmon.SpecSkipped, "", fmt.Sprintf("dependency %s failed", failedSpec))
	}
}
