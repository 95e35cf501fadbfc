package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestLoadProfiles_ContainsKnownProfiles(t *testing.T) {
	profiles, err := LoadProfiles()
	require.NoError(t, err)
	for _, name := range []string{"conservative", "balanced", "aggressive"} {
		p, ok := profiles[name]
		assert.True(t, ok, "profile %q should be embedded", name)
		assert.Greater(t, p.LaunchBudgetPerMin, 0)
	}
}

func TestResolve_AppliesDefaultsWhenNoLayers(t *testing.T) {
	profiles, err := LoadProfiles()
	require.NoError(t, err)

	r, err := Resolve(profiles)
	require.NoError(t, err)
	assert.Equal(t, 3, r.MaxParallel)
	assert.Equal(t, 600, r.TimeoutSeconds)
	assert.Equal(t, 2, r.MaxRetries)
	assert.Equal(t, "balanced", r.RateLimitProfile)
}

func TestResolve_RejectsUnknownProfile(t *testing.T) {
	profiles, err := LoadProfiles()
	require.NoError(t, err)

	_, err = Resolve(profiles, Overrides{RateLimitProfile: strPtr("nonexistent")})
	assert.Error(t, err)
}

func TestResolve_LayersApplyInAscendingPriority(t *testing.T) {
	profiles, err := LoadProfiles()
	require.NoError(t, err)

	fileLayer := Overrides{MaxParallel: intPtr(5)}
	envLayer := Overrides{MaxParallel: intPtr(7)}
	runtimeLayer := Overrides{TimeoutSeconds: intPtr(120)}

	r, err := Resolve(profiles, fileLayer, envLayer, runtimeLayer)
	require.NoError(t, err)
	assert.Equal(t, 7, r.MaxParallel, "later layer (env) should win over earlier (file)")
	assert.Equal(t, 120, r.TimeoutSeconds)
}

func TestResolve_ProfileSelectedAcrossAllLayersBeforeApplyingDefaults(t *testing.T) {
	profiles, err := LoadProfiles()
	require.NoError(t, err)

	r, err := Resolve(profiles, Overrides{}, Overrides{RateLimitProfile: strPtr("aggressive")})
	require.NoError(t, err)
	assert.Equal(t, "aggressive", r.RateLimitProfile)
	assert.Equal(t, profiles["aggressive"], r.RateLimit)
}

func TestResolve_RateLimitFieldOverridesApplyOnTopOfProfile(t *testing.T) {
	profiles, err := LoadProfiles()
	require.NoError(t, err)

	r, err := Resolve(profiles, Overrides{CooldownMs: intPtr(9999)})
	require.NoError(t, err)
	assert.Equal(t, 9999, r.RateLimit.CooldownMs)
}

func TestLoadOverridesFile_MissingFileReturnsEmpty(t *testing.T) {
	o, err := LoadOverridesFile(filepath.Join(t.TempDir(), "nonexistent.json"))
	require.NoError(t, err)
	assert.Equal(t, Overrides{}, o)
}

func TestLoadOverridesFile_ParsesKnownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_parallel": 9, "unknown_key": "ignored"}`), 0o644))

	o, err := LoadOverridesFile(path)
	require.NoError(t, err)
	require.NotNil(t, o.MaxParallel)
	assert.Equal(t, 9, *o.MaxParallel)
}

func TestEnvOverrides_ReadsBatchorchPrefixedVars(t *testing.T) {
	t.Setenv("BATCHORCH_MAX_PARALLEL", "6")
	t.Setenv("BATCHORCH_RATE_LIMIT_PROFILE", "aggressive")

	o := EnvOverrides()
	require.NotNil(t, o.MaxParallel)
	assert.Equal(t, 6, *o.MaxParallel)
	require.NotNil(t, o.RateLimitProfile)
	assert.Equal(t, "aggressive", *o.RateLimitProfile)
}

func TestEnvOverrides_IgnoresUnsetOrMalformedVars(t *testing.T) {
	t.Setenv("BATCHORCH_MAX_RETRIES", "not-a-number")
	o := EnvOverrides()
	assert.Nil(t, o.MaxRetries)
}

func TestDefaultCoordinationPolicy(t *testing.T) {
	p := DefaultCoordinationPolicy()
	assert.False(t, p.RequireResultSummary)
	assert.True(t, p.BlockMergeOnFailedTests)
	assert.True(t, p.BlockMergeOnUnresolvedConflicts)
}

func TestLoadCoordinationPolicy_MissingFileUsesDefaults(t *testing.T) {
	p, err := LoadCoordinationPolicy(filepath.Join(t.TempDir(), "nonexistent.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCoordinationPolicy(), p)
}

func TestLoadCoordinationPolicy_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multi-agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"require_result_summary": true}`), 0o644))

	p, err := LoadCoordinationPolicy(path, nil)
	require.NoError(t, err)
	assert.True(t, p.RequireResultSummary)
	assert.True(t, p.BlockMergeOnFailedTests, "fields absent from the file should keep their default")
}

func TestLoadCoordinationPolicy_RuntimeOverrideWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multi-agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"require_result_summary": true}`), 0o644))

	runtime := CoordinationPolicy{RequireResultSummary: false, BlockMergeOnFailedTests: false, BlockMergeOnUnresolvedConflicts: false}
	p, err := LoadCoordinationPolicy(path, &runtime)
	require.NoError(t, err)
	assert.Equal(t, runtime, p)
}
