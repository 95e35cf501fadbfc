package contractgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckit/batchorch/internal/config"
	"github.com/speckit/batchorch/internal/domain"
	"github.com/speckit/batchorch/internal/ferrors"
)

func TestEvaluate_SynthesizesNeutralSummaryWhenNotRequired(t *testing.T) {
	g := New(config.CoordinationPolicy{RequireResultSummary: false})
	summary, err := g.Evaluate("spec-a", nil)
	require.NoError(t, err)
	assert.Equal(t, "spec-a", summary.SpecID)
	assert.Equal(t, domain.RiskUnknown, summary.RiskLevel)
	assert.Equal(t, 0, summary.TestsRun)
}

func TestEvaluate_MissingSummaryFailsWhenRequired(t *testing.T) {
	g := New(config.CoordinationPolicy{RequireResultSummary: true})
	_, err := g.Evaluate("spec-a", nil)
	assert.ErrorIs(t, err, ferrors.ErrMissingSummary)
}

func TestEvaluate_InvalidSummaryRejected(t *testing.T) {
	g := New(config.CoordinationPolicy{})
	bad := &domain.ResultSummary{SpecID: "a", TestsRun: 2, TestsPassed: 5, RiskLevel: domain.RiskLow}
	_, err := g.Evaluate("a", bad)
	assert.ErrorIs(t, err, ferrors.ErrInvalidSummary)
}

func TestEvaluate_BlocksOnFailedTests(t *testing.T) {
	g := New(config.CoordinationPolicy{BlockMergeOnFailedTests: true})
	s := &domain.ResultSummary{SpecID: "a", TestsRun: 10, TestsPassed: 8, RiskLevel: domain.RiskLow}
	_, err := g.Evaluate("a", s)
	assert.ErrorIs(t, err, ferrors.ErrMergeBlocked)
}

func TestEvaluate_BlocksOnUnresolvedConflict(t *testing.T) {
	g := New(config.CoordinationPolicy{BlockMergeOnUnresolvedConflicts: true})
	s := &domain.ResultSummary{
		SpecID: "a", TestsRun: 1, TestsPassed: 1, RiskLevel: domain.RiskLow,
		OpenIssues: []string{"merge CONFLICT in file.go"},
	}
	_, err := g.Evaluate("a", s)
	assert.ErrorIs(t, err, ferrors.ErrMergeBlocked)
}

func TestEvaluate_PassesCleanSummary(t *testing.T) {
	g := New(config.DefaultCoordinationPolicy())
	s := &domain.ResultSummary{
		SpecID: "a", TestsRun: 4, TestsPassed: 4, RiskLevel: domain.RiskMedium,
		OpenIssues: []string{"needs docs update"},
	}
	out, err := g.Evaluate("a", s)
	require.NoError(t, err)
	assert.Equal(t, *s, out)
}
