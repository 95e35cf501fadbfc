package ferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_NilErrReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap("op", "spec-a", nil))
}

func TestWrap_PreservesSentinelForErrorsIs(t *testing.T) {
	err := Wrap("engine.dispatch", "spec-a", ErrCycleDetected)
	assert.ErrorIs(t, err, ErrCycleDetected)
	assert.Contains(t, err.Error(), "spec-a")
	assert.Contains(t, err.Error(), "engine.dispatch")
}

func TestWrapAgent_IncludesAgentIDInMessage(t *testing.T) {
	err := WrapAgent("supervisor.spawn", "spec-a", "agent-1", ErrAgentFailed)
	assert.ErrorIs(t, err, ErrAgentFailed)
	assert.Contains(t, err.Error(), "agent-1")
}

func TestWrap_OmitsSpecWhenEmpty(t *testing.T) {
	err := Wrap("engine.start", "", ErrAlreadyRunning)
	assert.NotContains(t, err.Error(), "spec=")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Wrap("op", "s", ErrAgentFailed)))
	assert.True(t, IsRetryable(Wrap("op", "s", ErrAgentTimeout)))
	assert.False(t, IsRetryable(Wrap("op", "s", ErrMissingSummary)))
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(Wrap("op", "s", ErrRateLimited)))
	assert.False(t, IsRateLimited(Wrap("op", "s", ErrAgentFailed)))
}

func TestIsContractViolation(t *testing.T) {
	assert.True(t, IsContractViolation(ErrMissingSummary))
	assert.True(t, IsContractViolation(ErrInvalidSummary))
	assert.True(t, IsContractViolation(ErrMergeBlocked))
	assert.False(t, IsContractViolation(ErrAgentFailed))
}

func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(ErrCycleDetected))
	assert.True(t, IsConfigurationError(ErrSpecDirMissing))
	assert.True(t, IsConfigurationError(ErrInvalidMetadata))
	assert.False(t, IsConfigurationError(ErrAgentFailed))
}

func TestOrchestratorError_UnwrapChain(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap("metadatastore.write", "spec-a", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, base, errors.Unwrap(err))
}
