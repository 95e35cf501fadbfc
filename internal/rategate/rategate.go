// Package rategate implements C5: admission control under provider rate
// limits — the hardest piece of the concurrency core, per spec.md §4.5.
// All state here is scoped to one run; callers must construct a fresh
// Gate per OrchestrationEngine instance (spec.md §9's "no global mutable
// state" design note).
package rategate

import (
	"context"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/speckit/batchorch/internal/config"
	"github.com/speckit/batchorch/pkg/eventbus"
	"github.com/speckit/batchorch/pkg/logger"
)

// Config is the frozen numeric configuration for one Gate, merged from
// config.Resolved at run start (never re-read inside the admission
// critical section, per spec.md §9).
type Config struct {
	MaxParallel          int
	ParallelFloor        int
	CooldownMs           int
	BackoffBaseMs        int
	BackoffMaxMs         int
	LaunchBudgetPerMin   int
	LaunchBudgetWindowMs int
	SignalWindowMs       int
	SignalThreshold      int
	SignalExtraHoldMs    int
	DynamicBudgetFloor   int
	AdaptiveParallel     bool
	GeneralMaxRetries    int
	RateLimitMaxRetries  int
}

// FromResolved builds a Gate Config from a resolved run configuration.
func FromResolved(r config.Resolved) Config {
	return Config{
		MaxParallel:          r.MaxParallel,
		ParallelFloor:        r.RateLimit.ParallelFloor,
		CooldownMs:           r.RateLimit.CooldownMs,
		BackoffBaseMs:        r.RateLimit.BackoffBaseMs,
		BackoffMaxMs:         r.RateLimit.BackoffMaxMs,
		LaunchBudgetPerMin:   r.RateLimit.LaunchBudgetPerMin,
		LaunchBudgetWindowMs: r.RateLimit.LaunchBudgetWindowMs,
		SignalWindowMs:       r.RateLimit.SignalWindowMs,
		SignalThreshold:      r.RateLimit.SignalThreshold,
		SignalExtraHoldMs:    r.RateLimit.SignalExtraHoldMs,
		DynamicBudgetFloor:   r.RateLimit.DynamicBudgetFloor,
		AdaptiveParallel:     r.RateLimit.AdaptiveParallel,
		GeneralMaxRetries:    r.MaxRetries,
		RateLimitMaxRetries:  r.RateLimit.RateLimitMaxRetries,
	}
}

// RetryLimit returns the gate's configured retry ceiling for a failure
// of the given class.
func (g *Gate) RetryLimit(isRateLimit bool) int {
	return g.cfg.RetryLimit(isRateLimit)
}

// RetryLimit returns the retry ceiling for a failure, rate-limit signals
// getting the larger of the two configured ceilings (spec.md §4.7).
func (c Config) RetryLimit(isRateLimit bool) int {
	if isRateLimit {
		return max(c.GeneralMaxRetries, c.RateLimitMaxRetries)
	}
	return c.GeneralMaxRetries
}

// Clock is the time source, overridable in tests.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Gate is the per-run admission controller.
type Gate struct {
	cfg   Config
	clock Clock
	bus   *eventbus.Bus
	log   logger.Logger

	mu                sync.Mutex
	effectiveParallel int
	dynamicBudget     int
	launchHoldUntil   time.Time
	cooldownUntil     time.Time
	launchTimestamps  []time.Time
	rateSignals       []time.Time

	lastHoldEmitAt   time.Time
	lastHoldEmitHold time.Duration
}

// New creates a Gate at full effective parallelism and full dynamic
// launch budget.
func New(cfg Config, bus *eventbus.Bus, log logger.Logger) *Gate {
	if log == nil {
		log = logger.NewSimpleLogger()
	}
	return &Gate{
		cfg:               cfg,
		clock:             realClock{},
		bus:               bus,
		log:               log,
		effectiveParallel: cfg.MaxParallel,
		dynamicBudget:     cfg.LaunchBudgetPerMin,
	}
}

// WithClock overrides the clock; used by tests to drive time
// deterministically.
func (g *Gate) WithClock(c Clock) *Gate {
	g.clock = c
	return g
}

// EffectiveParallel returns the currently permitted in-flight count.
func (g *Gate) EffectiveParallel() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveParallel
}

// DynamicBudget returns the current rolling launch budget.
func (g *Gate) DynamicBudget() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dynamicBudget
}

var rateLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b429\b`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)rate[- ]limit`),
	regexp.MustCompile(`(?i)resource exhausted`),
	regexp.MustCompile(`(?i)quota exceeded`),
	regexp.MustCompile(`(?i)exceeded retry limit`),
	regexp.MustCompile(`(?i)requests per minute`),
	regexp.MustCompile(`(?i)tokens per minute`),
}

// IsRateLimitSignal classifies err's message as a provider rate-limit
// signal, per the pattern list in spec.md §4.5.
func IsRateLimitSignal(msg string) bool {
	for _, p := range rateLimitPatterns {
		if p.MatchString(msg) {
			return true
		}
	}
	return false
}

var retryAfterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry[-_ ]?after[: =]\s*(\d+)\s*(ms|s|m)?`),
	regexp.MustCompile(`(?i)try again in\s*(\d+)\s*(ms|s|m)?`),
}

const maxRetryAfter = 10 * time.Minute

// ExtractRetryAfter parses the first recognized retry-after hint from
// msg, clamped to [0, 10 minutes]. ok is false if no pattern matched.
func ExtractRetryAfter(msg string) (d time.Duration, ok bool) {
	for _, p := range retryAfterPatterns {
		m := p.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		unit := strings.ToLower(m[2])
		switch unit {
		case "ms":
			d = time.Duration(n) * time.Millisecond
		case "m":
			d = time.Duration(n) * time.Minute
		default: // "s" or absent: seconds is the documented default
			d = time.Duration(n) * time.Second
		}
		if d < 0 {
			d = 0
		}
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d, true
	}
	return 0, false
}

// Backoff computes the jittered exponential backoff for the k-th retry:
// min(backoff_max, backoff_base * 2^k) with up to 50% multiplicative
// jitter removed, per spec.md §4.5.
func (g *Gate) Backoff(retryCount int) time.Duration {
	base := float64(g.cfg.BackoffBaseMs) * float64(uint64(1)<<uint(min(retryCount, 32)))
	capped := min(base, float64(g.cfg.BackoffMaxMs))
	jittered := capped * (1 - 0.5*rand.Float64())
	return time.Duration(jittered) * time.Millisecond
}

// RetryDelay is the effective retry delay for a rate-limit failure:
// max(Backoff(retryCount), the message's extracted retry-after), capped
// to backoff_max_ms.
func (g *Gate) RetryDelay(msg string, retryCount int) time.Duration {
	delay := g.Backoff(retryCount)
	if extracted, ok := ExtractRetryAfter(msg); ok && extracted > delay {
		delay = extracted
	}
	capMs := time.Duration(g.cfg.BackoffMaxMs) * time.Millisecond
	if delay > capMs {
		delay = capMs
	}
	return delay
}

// OnRateLimitSignal records a rate-limit failure for spec/agent: it
// extends the global launch hold, records the signal, and — if adaptive
// parallelism is enabled — halves effective parallelism (never below
// the floor). A burst of signals within signal_window_ms additionally
// extends the hold and halves the dynamic launch budget. It returns the
// retry delay the caller should sleep before re-dispatching the spec.
func (g *Gate) OnRateLimitSignal(msg string, retryCount int) time.Duration {
	delay := g.RetryDelay(msg, retryCount)
	now := g.clock.Now()

	g.mu.Lock()
	newHold := now.Add(delay)
	if newHold.After(g.launchHoldUntil) {
		g.launchHoldUntil = newHold
	}
	g.rateSignals = append(g.rateSignals, now)
	g.pruneSignals(now)

	if g.cfg.AdaptiveParallel {
		next := max(g.cfg.ParallelFloor, g.effectiveParallel/2)
		if next < g.effectiveParallel {
			g.effectiveParallel = next
			g.publish(eventTopicThrottled, map[string]interface{}{"effective_parallel": next})
		}
	}

	recent := len(g.rateSignals)
	if recent >= g.cfg.SignalThreshold {
		excess := recent - g.cfg.SignalThreshold
		extra := time.Duration(g.cfg.SignalExtraHoldMs) * time.Millisecond * time.Duration(excess+1)
		capMs := time.Duration(g.cfg.BackoffMaxMs) * time.Millisecond
		if extra > capMs {
			extra = capMs
		}
		if extended := now.Add(extra); extended.After(g.launchHoldUntil) {
			g.launchHoldUntil = extended
		}
		g.dynamicBudget = max(g.cfg.DynamicBudgetFloor, g.dynamicBudget/2)
	}
	hold := g.launchHoldUntil.Sub(now)
	g.mu.Unlock()

	g.emitHold(hold)
	g.publish(eventTopicRateLimited, map[string]interface{}{"delay_ms": delay.Milliseconds()})
	return delay
}

// AwaitAdmission blocks until neither the launch hold nor the rolling
// launch-budget hold is active, sleeping in slices of at most one
// second so it remains responsive to ctx cancellation (spec.md §9's
// sleep-cancellation design note). It never blocks on in-flight count;
// the caller (OrchestrationEngine) only invokes it once a dispatch slot
// is free.
func (g *Gate) AwaitAdmission(ctx context.Context) error {
	for {
		now := g.clock.Now()
		g.mu.Lock()
		launchHold := g.launchHoldUntil.Sub(now)
		budgetHold := g.rollingBudgetHold(now)
		hold := max(launchHold, budgetHold)
		g.mu.Unlock()

		if hold <= 0 {
			return nil
		}
		if budgetHold >= launchHold {
			g.emitBudgetThrottle(hold)
		}

		sleepFor := min(hold, time.Second)
		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordLaunch must be called exactly once, immediately before spawning
// a spec that AwaitAdmission has cleared.
func (g *Gate) RecordLaunch() {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.launchTimestamps = append(g.launchTimestamps, now)
	g.pruneLaunches(now)
}

// RecoveryTick does nothing before the cooldown ends. After it, each call
// steps effective parallelism one back toward max_parallel (restarting
// the cooldown), and, when no rate signal is left in the window, steps
// the dynamic budget one back toward its configured ceiling; the budget
// step does not restart the cooldown. The engine calls this between
// dispatch decisions.
func (g *Gate) RecoveryTick() {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.cooldownUntil) {
		return
	}
	if g.effectiveParallel < g.cfg.MaxParallel {
		g.effectiveParallel++
		g.cooldownUntil = now.Add(time.Duration(g.cfg.CooldownMs) * time.Millisecond)
		g.publish(eventTopicRecovered, map[string]interface{}{"effective_parallel": g.effectiveParallel})
	}
	g.pruneSignals(now)
	if len(g.rateSignals) == 0 && g.dynamicBudget < g.cfg.LaunchBudgetPerMin {
		g.dynamicBudget++
		g.publish(eventTopicBudgetRecovered, map[string]interface{}{"dynamic_budget": g.dynamicBudget})
	}
}

// rollingBudgetHold returns how long the caller must wait before the
// dynamic launch budget admits another launch, given launches already
// recorded in the current window. Caller must hold g.mu.
func (g *Gate) rollingBudgetHold(now time.Time) time.Duration {
	g.pruneLaunches(now)
	if len(g.launchTimestamps) < g.dynamicBudget {
		return 0
	}
	oldest := g.launchTimestamps[0]
	until := oldest.Add(time.Duration(g.cfg.LaunchBudgetWindowMs) * time.Millisecond)
	return until.Sub(now)
}

func (g *Gate) pruneLaunches(now time.Time) {
	cutoff := now.Add(-time.Duration(g.cfg.LaunchBudgetWindowMs) * time.Millisecond)
	g.launchTimestamps = prune(g.launchTimestamps, cutoff)
}

func (g *Gate) pruneSignals(now time.Time) {
	cutoff := now.Add(-time.Duration(g.cfg.SignalWindowMs) * time.Millisecond)
	g.rateSignals = prune(g.rateSignals, cutoff)
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

const (
	eventTopicThrottled       = "parallel:throttled"
	eventTopicRecovered       = "parallel:recovered"
	eventTopicRateLimited     = "spec:rate-limited"
	eventTopicBudgetHold      = "launch:budget-hold"
	eventTopicBudgetThrottled = "launch:budget-throttled"
	eventTopicBudgetRecovered = "launch:budget-recovered"
)

// emitHold publishes launch:budget-hold, deduplicating two emissions
// within one second whose hold delta is under 200ms, per spec.md §4.5.
func (g *Gate) emitHold(hold time.Duration) {
	g.mu.Lock()
	now := g.clock.Now()
	dup := now.Sub(g.lastHoldEmitAt) < time.Second && absDuration(hold-g.lastHoldEmitHold) < 200*time.Millisecond
	if !dup {
		g.lastHoldEmitAt = now
		g.lastHoldEmitHold = hold
	}
	g.mu.Unlock()
	if dup {
		return
	}
	g.publish(eventTopicBudgetHold, map[string]interface{}{"hold_ms": hold.Milliseconds()})
}

func (g *Gate) emitBudgetThrottle(hold time.Duration) {
	g.publish(eventTopicBudgetThrottled, map[string]interface{}{"hold_ms": hold.Milliseconds()})
}

func (g *Gate) publish(topic string, payload map[string]interface{}) {
	if g.bus != nil {
		g.bus.Publish(topic, payload)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
