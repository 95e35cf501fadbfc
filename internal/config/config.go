// Package config resolves orchestrator.json, the embedded rate-limit
// profile table, environment variables, and programmatic overrides into
// one frozen Config for the duration of a run, per spec.md §9's
// "config-driven policy" design note: profiles are resolved once, at
// run start, never inside the admission critical section.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesYAML []byte

// RateLimitDefaults mirrors the numeric knobs of RateGate (spec.md §4.5)
// for one named profile.
type RateLimitDefaults struct {
	RateLimitMaxRetries  int  `yaml:"rate_limit_max_retries" json:"rate_limit_max_retries"`
	BackoffBaseMs        int  `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	BackoffMaxMs         int  `yaml:"backoff_max_ms" json:"backoff_max_ms"`
	AdaptiveParallel     bool `yaml:"adaptive_parallel" json:"adaptive_parallel"`
	ParallelFloor        int  `yaml:"parallel_floor" json:"parallel_floor"`
	CooldownMs           int  `yaml:"cooldown_ms" json:"cooldown_ms"`
	LaunchBudgetPerMin   int  `yaml:"launch_budget_per_minute" json:"launch_budget_per_minute"`
	LaunchBudgetWindowMs int  `yaml:"launch_budget_window_ms" json:"launch_budget_window_ms"`
	SignalWindowMs       int  `yaml:"signal_window_ms" json:"signal_window_ms"`
	SignalThreshold      int  `yaml:"signal_threshold" json:"signal_threshold"`
	SignalExtraHoldMs    int  `yaml:"signal_extra_hold_ms" json:"signal_extra_hold_ms"`
	DynamicBudgetFloor   int  `yaml:"dynamic_budget_floor" json:"dynamic_budget_floor"`
}

// LoadProfiles parses the embedded profile table.
func LoadProfiles() (map[string]RateLimitDefaults, error) {
	var profiles map[string]RateLimitDefaults
	if err := yaml.Unmarshal(profilesYAML, &profiles); err != nil {
		return nil, fmt.Errorf("config: parse embedded profiles: %w", err)
	}
	return profiles, nil
}

// Overrides is the shape of orchestrator.json (spec.md §6) and of the
// programmatic overrides accepted by OrchestrationEngine.Start. Every
// field is a pointer so "absent" and "explicitly zero" are distinguishable.
type Overrides struct {
	MaxParallel      *int    `json:"max_parallel,omitempty"`
	TimeoutSeconds   *int    `json:"timeout_seconds,omitempty"`
	MaxRetries       *int    `json:"max_retries,omitempty"`
	RateLimitProfile *string `json:"rate_limit_profile,omitempty"`

	RateLimitMaxRetries  *int  `json:"rate_limit_max_retries,omitempty"`
	BackoffBaseMs        *int  `json:"backoff_base_ms,omitempty"`
	BackoffMaxMs         *int  `json:"backoff_max_ms,omitempty"`
	AdaptiveParallel     *bool `json:"adaptive_parallel,omitempty"`
	ParallelFloor        *int  `json:"parallel_floor,omitempty"`
	CooldownMs           *int  `json:"cooldown_ms,omitempty"`
	LaunchBudgetPerMin   *int  `json:"launch_budget_per_minute,omitempty"`
	LaunchBudgetWindowMs *int  `json:"launch_budget_window_ms,omitempty"`
	SignalWindowMs       *int  `json:"signal_window_ms,omitempty"`
	SignalThreshold      *int  `json:"signal_threshold,omitempty"`
	SignalExtraHoldMs    *int  `json:"signal_extra_hold_ms,omitempty"`
	DynamicBudgetFloor   *int  `json:"dynamic_budget_floor,omitempty"`
}

// LoadOverridesFile reads orchestrator.json. A missing file returns an
// empty Overrides, not an error (spec.md §6: "unknown keys ignored",
// and an absent file is simply "use defaults").
func LoadOverridesFile(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Overrides{}, nil
		}
		return Overrides{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return o, nil
}

// EnvOverrides reads BATCHORCH_* environment variables into an Overrides,
// the ambient-config convention carried from the teacher's env-tag
// reflection (here applied explicitly rather than via reflection, since
// the override set is small and fixed).
func EnvOverrides() Overrides {
	var o Overrides
	intVar(&o.MaxParallel, "BATCHORCH_MAX_PARALLEL")
	intVar(&o.TimeoutSeconds, "BATCHORCH_TIMEOUT_SECONDS")
	intVar(&o.MaxRetries, "BATCHORCH_MAX_RETRIES")
	strVar(&o.RateLimitProfile, "BATCHORCH_RATE_LIMIT_PROFILE")
	return o
}

func intVar(dst **int, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = &n
}

func strVar(dst **string, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	*dst = &v
}

// Resolved is the frozen configuration for one run: no further merges
// happen once Resolve returns.
type Resolved struct {
	MaxParallel    int
	TimeoutSeconds int
	MaxRetries     int

	RateLimitProfile string
	RateLimit        RateLimitDefaults
}

// Resolve merges, in ascending priority, built-in defaults, the named
// rate-limit profile, orchestrator.json, environment variables, and
// caller-supplied runtime overrides.
func Resolve(profiles map[string]RateLimitDefaults, layers ...Overrides) (Resolved, error) {
	r := Resolved{
		MaxParallel:      3,
		TimeoutSeconds:   600,
		MaxRetries:       2,
		RateLimitProfile: "balanced",
	}

	// rate_limit_profile may itself be overridden by a later layer, so
	// resolve it across all layers before applying the profile defaults.
	for _, l := range layers {
		if l.RateLimitProfile != nil {
			r.RateLimitProfile = *l.RateLimitProfile
		}
	}
	def, ok := profiles[r.RateLimitProfile]
	if !ok {
		return Resolved{}, fmt.Errorf("config: unknown rate_limit_profile %q", r.RateLimitProfile)
	}
	r.RateLimit = def

	for _, l := range layers {
		applyLayer(&r, l)
	}
	return r, nil
}

func applyLayer(r *Resolved, l Overrides) {
	if l.MaxParallel != nil {
		r.MaxParallel = *l.MaxParallel
	}
	if l.TimeoutSeconds != nil {
		r.TimeoutSeconds = *l.TimeoutSeconds
	}
	if l.MaxRetries != nil {
		r.MaxRetries = *l.MaxRetries
	}
	if l.RateLimitMaxRetries != nil {
		r.RateLimit.RateLimitMaxRetries = *l.RateLimitMaxRetries
	}
	if l.BackoffBaseMs != nil {
		r.RateLimit.BackoffBaseMs = *l.BackoffBaseMs
	}
	if l.BackoffMaxMs != nil {
		r.RateLimit.BackoffMaxMs = *l.BackoffMaxMs
	}
	if l.AdaptiveParallel != nil {
		r.RateLimit.AdaptiveParallel = *l.AdaptiveParallel
	}
	if l.ParallelFloor != nil {
		r.RateLimit.ParallelFloor = *l.ParallelFloor
	}
	if l.CooldownMs != nil {
		r.RateLimit.CooldownMs = *l.CooldownMs
	}
	if l.LaunchBudgetPerMin != nil {
		r.RateLimit.LaunchBudgetPerMin = *l.LaunchBudgetPerMin
	}
	if l.LaunchBudgetWindowMs != nil {
		r.RateLimit.LaunchBudgetWindowMs = *l.LaunchBudgetWindowMs
	}
	if l.SignalWindowMs != nil {
		r.RateLimit.SignalWindowMs = *l.SignalWindowMs
	}
	if l.SignalThreshold != nil {
		r.RateLimit.SignalThreshold = *l.SignalThreshold
	}
	if l.SignalExtraHoldMs != nil {
		r.RateLimit.SignalExtraHoldMs = *l.SignalExtraHoldMs
	}
	if l.DynamicBudgetFloor != nil {
		r.RateLimit.DynamicBudgetFloor = *l.DynamicBudgetFloor
	}
}

// CoordinationPolicy is resolved the same way (spec.md §3), but kept
// separate since it lives in its own baseline file with its own
// defaults (false, true, true).
type CoordinationPolicy struct {
	RequireResultSummary         bool `json:"require_result_summary"`
	BlockMergeOnFailedTests      bool `json:"block_merge_on_failed_tests"`
	BlockMergeOnUnresolvedConflicts bool `json:"block_merge_on_unresolved_conflicts"`
}

// DefaultCoordinationPolicy returns spec.md §3's defaults.
func DefaultCoordinationPolicy() CoordinationPolicy {
	return CoordinationPolicy{
		RequireResultSummary:            false,
		BlockMergeOnFailedTests:         true,
		BlockMergeOnUnresolvedConflicts: true,
	}
}

// LoadCoordinationPolicy reads a baseline file (if present) over the
// defaults. A non-nil runtime policy replaces the result as a whole; its
// fields are not merged one by one with the baseline.
func LoadCoordinationPolicy(baselinePath string, runtime *CoordinationPolicy) (CoordinationPolicy, error) {
	p := DefaultCoordinationPolicy()
	data, err := os.ReadFile(baselinePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return p, fmt.Errorf("config: read coordination policy %s: %w", baselinePath, err)
		}
	} else if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("config: parse coordination policy %s: %w", baselinePath, err)
	}
	if runtime != nil {
		p = *runtime
	}
	return p, nil
}
