// Package sandbox adapts the code execution backends to the grader.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-proctor-api/internal/grading"
	dockerexec "github.com/noah-isme/gema-proctor-api/pkg/docker"
	"github.com/noah-isme/gema-proctor-api/pkg/judge0"
)

type languageConfig struct {
	Image    string
	FileName string
	Command  []string
}

var dockerLanguages = map[string]languageConfig{
	"python": {
		Image:    "python:3.11-alpine",
		FileName: "main.py",
		Command:  []string{"python", "main.py"},
	},
	"javascript": {
		Image:    "node:20-alpine",
		FileName: "main.js",
		Command:  []string{"node", "main.js"},
	},
	"go": {
		Image:    "golang:1.22-alpine",
		FileName: "main.go",
		Command:  []string{"sh", "-c", "go run main.go"},
	},
	"c": {
		Image:    "gcc:13",
		FileName: "main.c",
		Command:  []string{"sh", "-c", "gcc -O2 -o /tmp/main main.c && /tmp/main"},
	},
	"cpp": {
		Image:    "gcc:13",
		FileName: "main.cpp",
		Command:  []string{"sh", "-c", "g++ -O2 -o /tmp/main main.cpp && /tmp/main"},
	},
	"java": {
		Image:    "eclipse-temurin:21-jdk-alpine",
		FileName: "Main.java",
		Command:  []string{"java", "Main.java"},
	},
}

var dockerAliases = map[string]string{
	"python3": "python",
	"js":      "javascript",
	"c++":     "cpp",
}

// DockerConfig groups the per-run resource limits.
type DockerConfig struct {
	Timeout       time.Duration
	MemoryLimitMB int
	CPUShares     int
	WorkspaceRoot string
}

// DockerRunner executes submissions in local containers.
type DockerRunner struct {
	executor dockerexec.Executor
	cfg      DockerConfig
	logger   zerolog.Logger
}

// NewDockerRunner wraps a Docker executor.
func NewDockerRunner(executor dockerexec.Executor, cfg DockerConfig, logger zerolog.Logger) *DockerRunner {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	return &DockerRunner{
		executor: executor,
		cfg:      cfg,
		logger:   logger.With().Str("component", "docker_runner").Logger(),
	}
}

// Supports reports whether an image is configured for the language.
func (r *DockerRunner) Supports(language string) bool {
	_, ok := dockerLanguage(language)
	return ok
}

// Run writes the source into a scratch workspace and executes it.
func (r *DockerRunner) Run(ctx context.Context, req grading.RunRequest) (grading.RunResult, error) {
	lang, ok := dockerLanguage(req.Language)
	if !ok {
		return grading.RunResult{}, grading.ErrUnsupportedLanguage
	}

	workspace, err := os.MkdirTemp(r.cfg.WorkspaceRoot, "run-")
	if err != nil {
		return grading.RunResult{}, fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(workspace)

	if err := os.WriteFile(filepath.Join(workspace, lang.FileName), []byte(req.Source), 0o600); err != nil {
		return grading.RunResult{}, fmt.Errorf("write source: %w", err)
	}

	out, err := r.executor.Run(ctx, dockerexec.ExecutionRequest{
		Image:           lang.Image,
		Cmd:             lang.Command,
		Stdin:           req.Stdin,
		Timeout:         r.cfg.Timeout,
		Workspace:       workspace,
		WorkingDir:      "/workspace",
		MemoryLimitMB:   int64(r.cfg.MemoryLimitMB),
		CPUShares:       int64(r.cfg.CPUShares),
		NetworkDisabled: true,
	})

	result := grading.RunResult{
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
		TimedOut: out.TimedOut,
	}
	if out.TimedOut {
		return result, nil
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("language", req.Language).Msg("container execution failed")
		return result, err
	}

	return result, nil
}

func dockerLanguage(language string) (languageConfig, bool) {
	key := strings.ToLower(strings.TrimSpace(language))
	if alias, ok := dockerAliases[key]; ok {
		key = alias
	}
	cfg, ok := dockerLanguages[key]
	return cfg, ok
}

// Judge0Runner executes submissions through a Judge0 deployment.
type Judge0Runner struct {
	client *judge0.Client
}

// NewJudge0Runner wraps a Judge0 client.
func NewJudge0Runner(client *judge0.Client) *Judge0Runner {
	return &Judge0Runner{client: client}
}

// Supports reports whether Judge0 knows the language.
func (r *Judge0Runner) Supports(language string) bool {
	return r.client.Supports(language)
}

// Run submits the program and maps the verdict.
func (r *Judge0Runner) Run(ctx context.Context, req grading.RunRequest) (grading.RunResult, error) {
	out, err := r.client.Execute(ctx, req.Language, req.Source, req.Stdin)
	if err != nil {
		return grading.RunResult{}, err
	}

	result := grading.RunResult{
		Stdout:   out.Stdout,
		Stderr:   out.ErrorOutput(),
		ExitCode: out.ExitCode,
		TimedOut: out.TimedOut(),
	}
	if !out.Completed() && result.ExitCode == 0 {
		result.ExitCode = 1
	}
	return result, nil
}
