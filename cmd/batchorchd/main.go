// Command batchorchd runs the Batch Orchestration Engine against a spec
// list and writes the terminal result object to a well-known path, per
// spec.md §6's "exit conduct".
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/speckit/batchorch/internal/config"
	"github.com/speckit/batchorch/internal/engine"
	"github.com/speckit/batchorch/internal/statusmon"
	"github.com/speckit/batchorch/internal/supervisor"
	"github.com/speckit/batchorch/pkg/eventbus"
	"github.com/speckit/batchorch/pkg/logger"
	"github.com/speckit/batchorch/pkg/obs"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		projectRoot = flag.String("root", ".", "project root containing .sce/")
		specsFlag   = flag.String("specs", "", "comma-separated spec names to run")
		agentCmd    = flag.String("agent-cmd", os.Getenv("BATCHORCH_AGENT_CMD"), "shell command template launched once per spec")
		resultPath  = flag.String("result", "", "path to write the terminal result JSON (default: <root>/.sce/auto/result.json)")
		redisURL    = flag.String("redis-url", os.Getenv("BATCHORCH_REDIS_URL"), "optional Redis Pub/Sub URL for telemetry fan-out")
		otlpEndpoint = flag.String("otlp-endpoint", os.Getenv("BATCHORCH_OTLP_ENDPOINT"), "optional OTLP/gRPC collector endpoint")
	)
	flag.Parse()

	log := logger.NewSimpleLogger()
	log.SetLevel(logger.LevelFromEnv())

	specs := splitSpecs(*specsFlag)
	if len(specs) == 0 {
		log.Error("batchorchd: no specs given; pass -specs=a,b,c")
		return 2
	}

	sceRoot := filepath.Join(*projectRoot, ".sce")
	specsRoot := filepath.Join(sceRoot, "specs")
	runRoot := filepath.Join(sceRoot, "auto", "run-"+randSuffix())
	overridesPath := filepath.Join(sceRoot, "config", "orchestrator.json")
	coordPath := filepath.Join(sceRoot, "config", "multi-agent.json")
	if *resultPath == "" {
		*resultPath = filepath.Join(sceRoot, "auto", "result.json")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()

	provider, err := obs.NewProvider(ctx, "batchorchd", *otlpEndpoint)
	if err != nil {
		log.Warn("batchorchd: telemetry provider init failed, continuing without it", "error", err)
	}
	var bridge *obs.Bridge
	var sink obs.Sink
	if *redisURL != "" {
		redisSink, err := obs.NewRedisSink(*redisURL, "batchorch:events", log)
		if err != nil {
			log.Warn("batchorchd: redis telemetry sink disabled", "error", err)
		} else {
			sink = redisSink
			defer redisSink.Close()
		}
	}
	if provider != nil {
		bridge = obs.NewBridge(provider, bus, sink)
		defer bridge.Close()
		defer provider.Shutdown(context.Background())
	}

	fileOverrides, err := config.LoadOverridesFile(overridesPath)
	if err != nil {
		log.Error("batchorchd: load orchestrator.json failed", "error", err)
		return 2
	}
	envOverrides := config.EnvOverrides()
	baseOverrides := mergeOverrides(fileOverrides, envOverrides)

	factory := supervisor.ExecCommandFactory(*agentCmd)
	eng, err := engine.New(specsRoot, runRoot, coordPath, factory, baseOverrides, bus, log)
	if err != nil {
		log.Error("batchorchd: engine init failed", "error", err)
		return 2
	}

	go func() {
		<-ctx.Done()
		log.Info("batchorchd: shutdown signal received, stopping")
		eng.Stop()
	}()

	result, _ := eng.Start(ctx, specs, config.Overrides{})

	if err := writeResult(*resultPath, result); err != nil {
		log.Error("batchorchd: write result failed", "error", err)
	}

	switch result.State {
	case statusmon.RunCompleted:
		return 0
	default: // RunFailed, RunStopped
		return 1
	}
}

func splitSpecs(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// mergeOverrides layers b on top of a field-by-field (non-nil fields in
// b win), matching config.Resolve's own merge order for the file/env
// portion of the layer stack.
func mergeOverrides(a, b config.Overrides) config.Overrides {
	out := a
	if b.MaxParallel != nil {
		out.MaxParallel = b.MaxParallel
	}
	if b.TimeoutSeconds != nil {
		out.TimeoutSeconds = b.TimeoutSeconds
	}
	if b.MaxRetries != nil {
		out.MaxRetries = b.MaxRetries
	}
	if b.RateLimitProfile != nil {
		out.RateLimitProfile = b.RateLimitProfile
	}
	return out
}

func writeResult(path string, result engine.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// randSuffix gives run directories a process-unique suffix: the pid,
// which is unique among processes running at the same time on one host.
func randSuffix() string {
	return fmt.Sprintf("%d", os.Getpid())
}
