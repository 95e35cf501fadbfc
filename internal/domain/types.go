// Package domain holds the wire-level data model shared by every
// component: Spec metadata, lifecycle records, and the agent result
// summary contract, per spec.md §3 and §6.
package domain

import "time"

// SpecType enumerates collaboration.json's "type" field.
type SpecType string

const (
	SpecTypeMaster SpecType = "master"
	SpecTypeSub    SpecType = "sub"
)

func (t SpecType) IsValid() bool {
	return t == SpecTypeMaster || t == SpecTypeSub
}

// DependencyKind enumerates how one spec depends on another.
type DependencyKind string

const (
	DependencyRequiresCompletion DependencyKind = "requires-completion"
	DependencyRequiresInterface  DependencyKind = "requires-interface"
	DependencyOptional           DependencyKind = "optional"
)

func (k DependencyKind) IsValid() bool {
	switch k {
	case DependencyRequiresCompletion, DependencyRequiresInterface, DependencyOptional:
		return true
	default:
		return false
	}
}

// Dependency is one edge from a spec to a target it depends on.
type Dependency struct {
	Spec   string         `json:"spec"`
	Type   DependencyKind `json:"type"`
	Reason string         `json:"reason,omitempty"`
}

// SpecStatus enumerates collaboration.json's status.current field.
type SpecStatus string

const (
	SpecStatusNotStarted SpecStatus = "not-started"
	SpecStatusInProgress SpecStatus = "in-progress"
	SpecStatusCompleted  SpecStatus = "completed"
	SpecStatusBlocked    SpecStatus = "blocked"
)

func (s SpecStatus) IsValid() bool {
	switch s {
	case SpecStatusNotStarted, SpecStatusInProgress, SpecStatusCompleted, SpecStatusBlocked:
		return true
	default:
		return false
	}
}

// Status is the status sub-object of collaboration.json.
type Status struct {
	Current     SpecStatus `json:"current"`
	UpdatedAt   time.Time  `json:"updated_at"`
	BlockReason string     `json:"block_reason,omitempty"`
}

// Interfaces is the interfaces sub-object of collaboration.json. The
// core treats interface identifiers as opaque strings and does not read
// this sub-object itself.
type Interfaces struct {
	Provides []string `json:"provides,omitempty"`
	Consumes []string `json:"consumes,omitempty"`
}

// Metadata is the full collaboration.json document for one spec.
type Metadata struct {
	Version      string       `json:"version"`
	Type         SpecType     `json:"type"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Status       Status       `json:"status"`
	Interfaces   Interfaces   `json:"interfaces"`
}

// LifecycleStatus enumerates lifecycle.json's status field, per
// spec.md §3's LifecycleRecord.
type LifecycleStatus string

const (
	LifecyclePlanned    LifecycleStatus = "planned"
	LifecycleAssigned   LifecycleStatus = "assigned"
	LifecycleInProgress LifecycleStatus = "in-progress"
	LifecycleCompleted  LifecycleStatus = "completed"
	LifecycleReleased   LifecycleStatus = "released"
)

// allowedLifecycleEdges encodes spec.md §3's transition table.
var allowedLifecycleEdges = map[LifecycleStatus][]LifecycleStatus{
	LifecyclePlanned:    {LifecycleAssigned},
	LifecycleAssigned:   {LifecycleInProgress, LifecyclePlanned},
	LifecycleInProgress: {LifecycleCompleted, LifecycleAssigned},
	LifecycleCompleted:  {LifecycleReleased},
	LifecycleReleased:   {},
}

// CanTransition reports whether from->to is an allowed lifecycle edge.
func CanTransition(from, to LifecycleStatus) bool {
	for _, next := range allowedLifecycleEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one append-only lifecycle state change.
type Transition struct {
	From      LifecycleStatus `json:"from"`
	To        LifecycleStatus `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
}

// LifecycleRecord is the full lifecycle.json document for one spec.
type LifecycleRecord struct {
	SpecName    string          `json:"spec_name"`
	Status      LifecycleStatus `json:"status"`
	Transitions []Transition    `json:"transitions"`
}

// DefaultLifecycleRecord is the fallback used when a record is missing
// or corrupted (spec.md §4.1).
func DefaultLifecycleRecord(specName string) LifecycleRecord {
	return LifecycleRecord{
		SpecName:    specName,
		Status:      LifecyclePlanned,
		Transitions: []Transition{},
	}
}

// RiskLevel enumerates ResultSummary.risk_level.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskUnknown:
		return true
	default:
		return false
	}
}

// ResultSummary is the agent -> orchestrator completion contract
// (spec.md §3). Extra fields in the wire payload are permitted and
// ignored: this struct is decoded with a tolerant unmarshal path in
// supervisor.GetResultSummary, not with DisallowUnknownFields.
type ResultSummary struct {
	SpecID       string    `json:"spec_id"`
	ChangedFiles []string  `json:"changed_files"`
	TestsRun     int       `json:"tests_run"`
	TestsPassed  int       `json:"tests_passed"`
	RiskLevel    RiskLevel `json:"risk_level"`
	OpenIssues   []string  `json:"open_issues"`
}
