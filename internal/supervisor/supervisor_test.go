package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckit/batchorch/internal/testutil"
	"github.com/speckit/batchorch/pkg/eventbus"
)

func shellFactory(script string) CommandFactory {
	return func(ctx context.Context, spec, agentID, specDir, resultPath string) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "sh", "-c", script), nil
	}
}

func newSupervisor(t *testing.T, factory CommandFactory) (*Supervisor, string) {
	t.Helper()
	root := t.TempDir()
	channels := eventbus.NewAgentChannels()
	bus := eventbus.New()
	return New(filepath.Join(root, "specs"), filepath.Join(root, "run"), factory, channels, bus, nil), root
}

func drainTerminal(t *testing.T, s *Supervisor, agentID string) eventbus.AgentEvent {
	t.Helper()
	ch := s.Events(agentID)
	defer s.CloseEvents(agentID)
	for {
		select {
		case evt := <-ch:
			switch evt.Kind {
			case eventbus.AgentCompleted, eventbus.AgentFailed, eventbus.AgentTimeout:
				return evt
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for terminal agent event")
		}
	}
}

func TestSpawn_CompletesSuccessfully(t *testing.T) {
	factory := testutil.FakeCommandFactory(map[string]testutil.AgentBehavior{"a": testutil.Success("a")})
	s, root := newSupervisor(t, factory)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs", "a"), 0o755))

	agentID, err := s.Spawn(context.Background(), "a", time.Minute)
	require.NoError(t, err)

	evt := drainTerminal(t, s, agentID)
	assert.Equal(t, eventbus.AgentCompleted, evt.Kind)

	summary, err := s.GetResultSummary(agentID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "a", summary.SpecID)
}

func TestSpawn_SurfacesNonZeroExit(t *testing.T) {
	factory := testutil.FakeCommandFactory(map[string]testutil.AgentBehavior{"a": testutil.Fail()})
	s, root := newSupervisor(t, factory)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs", "a"), 0o755))

	agentID, err := s.Spawn(context.Background(), "a", time.Minute)
	require.NoError(t, err)

	evt := drainTerminal(t, s, agentID)
	assert.Equal(t, eventbus.AgentFailed, evt.Kind)
	assert.Equal(t, 1, evt.ExitCode)
}

func TestSpawn_TimesOut(t *testing.T) {
	s, root := newSupervisor(t, shellFactory("sleep 5"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs", "a"), 0o755))

	agentID, err := s.Spawn(context.Background(), "a", 100*time.Millisecond)
	require.NoError(t, err)

	evt := drainTerminal(t, s, agentID)
	assert.Equal(t, eventbus.AgentTimeout, evt.Kind)
}

func TestGetResultSummary_AbsentIsNilNotError(t *testing.T) {
	s, _ := newSupervisor(t, shellFactory("exit 0"))
	summary, err := s.GetResultSummary("ghost-agent")
	require.NoError(t, err)
	assert.Nil(t, summary)
}

func TestGetResultSummary_ReadsWrittenFile(t *testing.T) {
	s, root := newSupervisor(t, shellFactory("exit 0"))
	agentID := "agent-1"
	resultDir := filepath.Join(root, "run", agentID)
	require.NoError(t, os.MkdirAll(resultDir, 0o755))
	payload, _ := json.Marshal(map[string]interface{}{
		"spec_id": "a", "changed_files": []string{}, "tests_run": 2, "tests_passed": 2,
		"risk_level": "low", "open_issues": []string{},
	})
	require.NoError(t, os.WriteFile(filepath.Join(resultDir, "result.json"), payload, 0o644))

	summary, err := s.GetResultSummary(agentID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "a", summary.SpecID)
	assert.Equal(t, 2, summary.TestsRun)
}

func TestKillAll_TerminatesTrackedProcesses(t *testing.T) {
	s, root := newSupervisor(t, shellFactory("trap 'exit 0' TERM; sleep 30 & wait"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "specs", "a"), 0o755))

	agentID, err := s.Spawn(context.Background(), "a", time.Minute)
	require.NoError(t, err)

	s.mu.Lock()
	_, tracked := s.processes[agentID]
	s.mu.Unlock()
	require.True(t, tracked)

	s.KillAll()

	s.mu.Lock()
	_, stillTracked := s.processes[agentID]
	s.mu.Unlock()
	assert.False(t, stillTracked, "process should be reaped by wait() once killed")
}

func TestExecCommandFactory_RejectsEmptyAgentCmd(t *testing.T) {
	factory := ExecCommandFactory("")
	_, err := factory(context.Background(), "a", "agent-1", "/tmp/spec", "/tmp/result.json")
	assert.Error(t, err)
}

func TestExecCommandFactory_SetsEnv(t *testing.T) {
	factory := ExecCommandFactory("true")
	cmd, err := factory(context.Background(), "spec-a", "agent-1", "/tmp/spec-a", "/tmp/result.json")
	require.NoError(t, err)

	env := map[string]bool{}
	for _, kv := range cmd.Env {
		env[kv] = true
	}
	assert.True(t, env["BATCHORCH_SPEC=spec-a"])
	assert.True(t, env["BATCHORCH_AGENT_ID=agent-1"])
	assert.True(t, env["BATCHORCH_SPEC_DIR=/tmp/spec-a"])
	assert.True(t, env["BATCHORCH_RESULT_PATH=/tmp/result.json"])
}
