// Package contractgate implements C6: validating an agent's
// result-summary payload and evaluating merge policy, per spec.md §4.6.
package contractgate

import (
	"fmt"
	"regexp"

	"github.com/speckit/batchorch/internal/config"
	"github.com/speckit/batchorch/internal/domain"
	"github.com/speckit/batchorch/internal/ferrors"
)

// Gate evaluates completed specs against a fixed coordination policy.
type Gate struct {
	policy config.CoordinationPolicy
}

// New creates a Gate bound to policy for the run's duration.
func New(policy config.CoordinationPolicy) *Gate {
	return &Gate{policy: policy}
}

var conflictPattern = regexp.MustCompile(`(?i)conflict|unresolved`)

// Evaluate runs both stages of spec.md §4.6 against summary (nil meaning
// no payload was produced). It returns the validated-or-synthesized
// summary and, on violation, a non-nil error wrapping
// ferrors.ErrMissingSummary, ferrors.ErrInvalidSummary, or
// ferrors.ErrMergeBlocked — all contract violations that convert the
// spec's outcome from completed to failed (spec.md §4.6).
func (g *Gate) Evaluate(specID string, summary *domain.ResultSummary) (domain.ResultSummary, error) {
	if summary == nil {
		if g.policy.RequireResultSummary {
			return domain.ResultSummary{}, ferrors.Wrap("contractgate.evaluate", specID, ferrors.ErrMissingSummary)
		}
		return neutralSummary(specID), nil
	}

	if err := validate(*summary); err != nil {
		return domain.ResultSummary{}, ferrors.Wrap("contractgate.evaluate", specID, fmt.Errorf("%w: %v", ferrors.ErrInvalidSummary, err))
	}

	if err := g.mergeDecision(*summary); err != nil {
		return domain.ResultSummary{}, ferrors.Wrap("contractgate.evaluate", specID, fmt.Errorf("%w: %v", ferrors.ErrMergeBlocked, err))
	}

	return *summary, nil
}

// neutralSummary is synthesized when require_result_summary is false and
// no payload exists, per spec.md §4.6.
func neutralSummary(specID string) domain.ResultSummary {
	return domain.ResultSummary{
		SpecID:       specID,
		ChangedFiles: []string{},
		TestsRun:     0,
		TestsPassed:  0,
		RiskLevel:    domain.RiskUnknown,
		OpenIssues:   []string{},
	}
}

// validate enforces spec.md §4.6's summary-validation stage.
func validate(s domain.ResultSummary) error {
	if s.SpecID == "" {
		return fmt.Errorf("spec_id is empty")
	}
	if s.TestsRun < 0 || s.TestsPassed < 0 {
		return fmt.Errorf("tests_run and tests_passed must be non-negative")
	}
	if s.TestsPassed > s.TestsRun {
		return fmt.Errorf("tests_passed (%d) exceeds tests_run (%d)", s.TestsPassed, s.TestsRun)
	}
	if !s.RiskLevel.IsValid() {
		return fmt.Errorf("risk_level %q is not one of low/medium/high/unknown", s.RiskLevel)
	}
	return nil
}

// mergeDecision enforces spec.md §4.6's merge-decision stage.
func (g *Gate) mergeDecision(s domain.ResultSummary) error {
	if g.policy.BlockMergeOnFailedTests && s.TestsRun != s.TestsPassed {
		return fmt.Errorf("tests_run (%d) != tests_passed (%d)", s.TestsRun, s.TestsPassed)
	}
	if g.policy.BlockMergeOnUnresolvedConflicts {
		for _, issue := range s.OpenIssues {
			if conflictPattern.MatchString(issue) {
				return fmt.Errorf("open issue %q matches conflict/unresolved pattern", issue)
			}
		}
	}
	return nil
}
