// Package testutil collects fixture builders shared by this module's
// package-level tests: dependency-graph shorthand, spec-directory
// layout, and a fake agent-process factory that drives
// internal/supervisor without a real coding-agent binary.
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/speckit/batchorch/internal/domain"
	"github.com/speckit/batchorch/internal/metadatastore"
	"github.com/speckit/batchorch/internal/supervisor"
)

// Dep builds a requires-completion dependency edge, the shape most
// fixtures need; call with an explicit kind for the optional/interface
// variants.
func Dep(spec string, kind ...domain.DependencyKind) domain.Dependency {
	k := domain.DependencyRequiresCompletion
	if len(kind) > 0 {
		k = kind[0]
	}
	return domain.Dependency{Spec: spec, Type: k}
}

// WriteSpec seeds store with a fresh not-started record for spec
// carrying deps, the minimum collaboration.json a dependency-graph or
// engine test needs.
func WriteSpec(store *metadatastore.Store, spec string, deps []domain.Dependency) error {
	return store.Write(spec, domain.Metadata{
		Version:      "1.0.0",
		Type:         domain.SpecTypeSub,
		Dependencies: deps,
		Status:       domain.Status{Current: domain.SpecStatusNotStarted},
	})
}

// AgentBehavior controls what a fake agent subprocess does: which exit
// code it returns, which progress lines (supervisor.FormatProgressEvent)
// it prints to stdout, what it prints to stderr (the text RateGate's
// IsRateLimitSignal classifies), and whether it writes a result-summary
// JSON payload.
type AgentBehavior struct {
	ExitCode      int
	WriteSummary  bool
	SummaryJSON   string
	ProgressLines []string
	StderrText    string
}

// Success builds a behavior that writes a clean, passing result summary
// for spec and exits 0.
func Success(spec string) AgentBehavior {
	return AgentBehavior{
		ExitCode:     0,
		WriteSummary: true,
		SummaryJSON: fmt.Sprintf(
			`{"spec_id":%q,"changed_files":["x.go"],"tests_run":1,"tests_passed":1,"risk_level":"low","open_issues":[]}`, spec),
	}
}

// Fail builds a behavior that exits non-zero without writing a summary.
func Fail() AgentBehavior { return AgentBehavior{ExitCode: 1} }

// FailRateLimited builds a behavior that exits non-zero and prints a
// rate-limit-shaped message to stderr, for exercising RateGate's retry
// path end-to-end (IsRateLimitSignal classifies the captured text).
func FailRateLimited() AgentBehavior {
	return AgentBehavior{ExitCode: 1, StderrText: "429 too many requests"}
}

// WithProgress returns a copy of b that additionally prints lines (build
// them with ThreadStartedLine/TurnStartedLine/ErrorLine) to stdout before
// b's summary write and exit.
func WithProgress(b AgentBehavior, lines ...string) AgentBehavior {
	b.ProgressLines = append(append([]string(nil), b.ProgressLines...), lines...)
	return b
}

// ThreadStartedLine, TurnStartedLine and ErrorLine build the stdout lines
// internal/supervisor's progress-event scanner recognizes, for fixtures
// that need to drive StatusMonitor.HandleEvent end to end.
func ThreadStartedLine() string    { return supervisor.FormatProgressEvent("thread_started", "") }
func TurnStartedLine() string      { return supervisor.FormatProgressEvent("turn_started", "") }
func ErrorLine(msg string) string  { return supervisor.FormatProgressEvent("error", msg) }

// scriptFor renders b as a shell script FakeCommandFactory/
// SequencedFakeCommandFactory can hand to sh -c.
func scriptFor(b AgentBehavior, resultPath string) string {
	var sb strings.Builder
	for _, line := range b.ProgressLines {
		fmt.Fprintf(&sb, "echo %q\n", line)
	}
	if b.StderrText != "" {
		fmt.Fprintf(&sb, "echo %q 1>&2\n", b.StderrText)
	}
	if b.WriteSummary {
		fmt.Fprintf(&sb, "cat > %q <<'EOF'\n%s\nEOF\n", resultPath, b.SummaryJSON)
	}
	fmt.Fprintf(&sb, "exit %d\n", b.ExitCode)
	return sb.String()
}

// FakeCommandFactory builds a supervisor.CommandFactory that runs one
// real, near-instantaneous shell subprocess per spec according to
// behaviors, so tests exercise the actual os/exec path without a real
// coding-agent binary. Every attempt at a given spec gets the same
// behavior; use SequencedFakeCommandFactory to vary behavior by attempt.
func FakeCommandFactory(behaviors map[string]AgentBehavior) supervisor.CommandFactory {
	return func(ctx context.Context, spec, agentID, specDir, resultPath string) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "sh", "-c", scriptFor(behaviors[spec], resultPath)), nil
	}
}

// SequencedFakeCommandFactory builds a supervisor.CommandFactory whose
// behavior per spec advances one step per attempt: the first Spawn call
// for a spec gets behaviors[spec][0], the second behaviors[spec][1], and
// so on, holding at the last entry once the sequence is exhausted. This
// is what lets a test express "fails the first two attempts, then
// succeeds" for retry-path coverage.
func SequencedFakeCommandFactory(behaviors map[string][]AgentBehavior) supervisor.CommandFactory {
	var mu sync.Mutex
	attempt := make(map[string]int)

	return func(ctx context.Context, spec, agentID, specDir, resultPath string) (*exec.Cmd, error) {
		mu.Lock()
		idx := attempt[spec]
		attempt[spec] = idx + 1
		mu.Unlock()

		seq := behaviors[spec]
		var b AgentBehavior
		switch {
		case len(seq) == 0:
			b = AgentBehavior{ExitCode: 0}
		case idx < len(seq):
			b = seq[idx]
		default:
			b = seq[len(seq)-1]
		}
		return exec.CommandContext(ctx, "sh", "-c", scriptFor(b, resultPath)), nil
	}
}
