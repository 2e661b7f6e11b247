// Command cuenv_cache is a thin process wrapper around
// pkg/orchestrator.Cache, standing in for the CUE evaluator/shell
// integration that spec.md §1 scopes out of this subsystem: it opens
// the cache, runs the background eviction loop, and executes a single
// task descriptor read from argv against it. Real task execution and
// CUE evaluation remain the caller's responsibility; this binary
// exists to give the orchestrator a runnable entry point, the way the
// teacher's cmd/bb_storage wires its storage layers behind a single
// process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuenv/cuenv/pkg/config"
	"github.com/cuenv/cuenv/pkg/orchestrator"
	"github.com/cuenv/cuenv/pkg/task"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: cuenv_cache <config.jsonnet> [task.json]")
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.Fatalf("Failed to read configuration from %s: %s", os.Args[1], err)
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		log.Fatal("Failed to determine project root: ", err)
	}

	cache, err := orchestrator.Open(projectRoot, cfg)
	if err != nil {
		log.Fatal("Failed to open cache: ", err)
	}
	defer cache.Close()

	signalContext, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go cache.RunEvictionLoop(signalContext)

	if len(os.Args) < 3 {
		return
	}

	taskFile, err := os.ReadFile(os.Args[2])
	if err != nil {
		log.Fatalf("Failed to read task descriptor %s: %s", os.Args[2], err)
	}
	var t task.Task
	if err := json.Unmarshal(taskFile, &t); err != nil {
		log.Fatalf("Failed to parse task descriptor %s: %s", os.Args[2], err)
	}

	result, err := cache.ExecuteAction(signalContext, &t, environAsMap(), shellExecutor(&t, projectRoot))
	if err != nil {
		log.Fatalf("Task %s failed: %s", t.Name, err)
	}
	if stdout, err := cache.ReadBlob(signalContext, result, result.StdoutDigest); err == nil {
		os.Stdout.Write(stdout)
	} else {
		log.Printf("task %s: failed to read cached stdout: %s", t.Name, err)
	}
	if stderr, err := cache.ReadBlob(signalContext, result, result.StderrDigest); err == nil {
		os.Stderr.Write(stderr)
	} else {
		log.Printf("task %s: failed to read cached stderr: %s", t.Name, err)
	}
	log.Printf("task %s completed with exit code %d", t.Name, result.ExitCode)
	os.Exit(int(result.ExitCode))
}

// shellExecutor runs the task's command or script as a real
// subprocess, the narrow task.Executor contract spec.md §6 describes.
func shellExecutor(t *task.Task, projectRoot string) task.Executor {
	return func(ctx context.Context) (*task.RawExecutionOutcome, error) {
		var cmd *exec.Cmd
		if len(t.Command) > 0 {
			cmd = exec.CommandContext(ctx, t.Command[0], t.Command[1:]...)
		} else {
			cmd = exec.CommandContext(ctx, "sh", "-c", t.Script)
		}
		cmd.Dir = filepath.Join(projectRoot, t.WorkingDir)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		exitCode := int32(0)
		if err := cmd.Run(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = int32(exitErr.ExitCode())
			} else {
				return nil, err
			}
		}
		return &task.RawExecutionOutcome{
			ExitCode: exitCode,
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
		}, nil
	}
}

func environAsMap() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		for i := range kv {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}
