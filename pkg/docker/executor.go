package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Execution outcomes reported on the metrics.
const (
	outcomeExited   = "exited"
	outcomeTimeout  = "timeout"
	outcomeFailure  = "sandbox_failure"
	outcomeCanceled = "canceled"
)

const (
	stdinFile             = ".stdin"
	defaultWorkingDir     = "/workspace"
	defaultMaxOutputBytes = 64 << 10
	defaultPidsLimit      = 64
	cleanupTimeout        = 5 * time.Second
)

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proctor",
		Subsystem: "sandbox",
		Name:      "container_duration_seconds",
		Help:      "Wall time of sandboxed submission containers",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"image"})

	execOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proctor",
		Subsystem: "sandbox",
		Name:      "container_runs_total",
		Help:      "Sandboxed submission containers by outcome",
	}, []string{"image", "outcome"})
)

// ErrTimeout is returned alongside a result whose TimedOut flag is set.
var ErrTimeout = errors.New("execution timed out")

// Executor runs one submission inside an isolated container.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes a single sandboxed run. Stdin requires a
// Workspace; it is written there and redirected into Cmd through sh.
type ExecutionRequest struct {
	Image           string
	Cmd             []string
	Stdin           string
	Env             []string
	Timeout         time.Duration
	Workspace       string
	WorkingDir      string
	MemoryLimitMB   int64
	CPUShares       int64
	NetworkDisabled bool
	ReadOnlyFS      bool
}

// ExecutionResult is what the container produced. Output beyond the
// configured cap is dropped and Truncated is set.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Config groups executor defaults; request values win when set.
type Config struct {
	Host           string
	Timeout        time.Duration
	MemoryLimitMB  int64
	CPUShares      int64
	PidsLimit      int64
	MaxOutputBytes int
	WorkingDir     string
	Logger         zerolog.Logger
}

// DockerExecutor runs submissions through the Docker engine API.
type DockerExecutor struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerExecutor connects to the engine named by cfg.Host, or the
// environment default when empty.
func NewDockerExecutor(cfg Config) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = defaultWorkingDir
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = defaultPidsLimit
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &DockerExecutor{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-proctor-api/pkg/docker"),
		logger: logger.With().Str("component", "docker_executor").Logger(),
	}, nil
}

// Run creates the container, waits for it within the timeout and collects
// its output. The container is always removed.
func (e *DockerExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.Image == "" {
		return ExecutionResult{}, errors.New("image is required")
	}

	ctx, span := e.tracer.Start(parent, "docker.executor.run", trace.WithAttributes(
		attribute.String("docker.image", req.Image),
		attribute.Bool("docker.stdin", req.Stdin != ""),
	))
	defer span.End()

	fail := func(outcome string, err error) (ExecutionResult, error) {
		execOutcomes.WithLabelValues(req.Image, outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ExecutionResult{}, err
	}

	cmd, err := e.prepareCommand(req)
	if err != nil {
		return fail(outcomeFailure, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	containerID, err := e.create(runCtx, req, cmd)
	if err != nil {
		return fail(outcomeFailure, fmt.Errorf("container create: %w", err))
	}
	defer e.remove(containerID)

	start := time.Now()
	if err := e.client.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return fail(outcomeFailure, fmt.Errorf("container start: %w", err))
	}

	result := ExecutionResult{}
	exitCode, waitErr := e.await(runCtx, containerID)
	result.Duration = time.Since(start)
	execDuration.WithLabelValues(req.Image).Observe(result.Duration.Seconds())

	switch {
	case waitErr == nil:
		result.ExitCode = exitCode
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.TimedOut = true
		e.kill(containerID)
	case errors.Is(waitErr, context.Canceled) || ctx.Err() != nil:
		execOutcomes.WithLabelValues(req.Image, outcomeCanceled).Inc()
		return result, waitErr
	default:
		return fail(outcomeFailure, fmt.Errorf("container wait: %w", waitErr))
	}

	// Logs are read with the caller's context so a timed out run still
	// reports what it printed.
	stdout, stderr, truncated, err := e.collect(ctx, containerID)
	if err != nil {
		e.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to read container output")
	}
	result.Stdout, result.Stderr, result.Truncated = stdout, stderr, truncated

	if result.TimedOut {
		execOutcomes.WithLabelValues(req.Image, outcomeTimeout).Inc()
		span.SetStatus(codes.Error, "execution timed out")
		return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	execOutcomes.WithLabelValues(req.Image, outcomeExited).Inc()
	span.SetAttributes(attribute.Int("docker.exit_code", result.ExitCode))
	return result, nil
}

func (e *DockerExecutor) create(ctx context.Context, req ExecutionRequest, cmd []string) (string, error) {
	memoryMB := req.MemoryLimitMB
	if memoryMB <= 0 {
		memoryMB = e.cfg.MemoryLimitMB
	}
	cpuShares := req.CPUShares
	if cpuShares <= 0 {
		cpuShares = e.cfg.CPUShares
	}
	pids := e.cfg.PidsLimit

	hostCfg := &container.HostConfig{
		NetworkMode:    "bridge",
		ReadonlyRootfs: req.ReadOnlyFS,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     memoryMB * 1024 * 1024,
			MemorySwap: memoryMB * 1024 * 1024,
			CPUShares:  cpuShares,
			PidsLimit:  &pids,
		},
	}
	if req.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = e.cfg.WorkingDir
	}
	if req.Workspace != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.Workspace,
			Target: workingDir,
		}}
	}

	resp, err := e.client.ContainerCreate(ctx, &container.Config{
		Image:           req.Image,
		Cmd:             cmd,
		Env:             req.Env,
		WorkingDir:      workingDir,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: req.NetworkDisabled,
	}, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *DockerExecutor) await(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, errors.New(status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *DockerExecutor) collect(ctx context.Context, containerID string) (string, string, bool, error) {
	reader, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", false, err
	}
	defer reader.Close()

	stdout := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: e.cfg.MaxOutputBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && !errors.Is(err, io.EOF) {
		return stdout.String(), stderr.String(), stdout.truncated || stderr.truncated, err
	}
	return stdout.String(), stderr.String(), stdout.truncated || stderr.truncated, nil
}

func (e *DockerExecutor) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.client.ContainerKill(ctx, containerID, "KILL"); err != nil {
		e.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to kill timed out container")
	}
}

func (e *DockerExecutor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
	}
}

func (e *DockerExecutor) prepareCommand(req ExecutionRequest) ([]string, error) {
	if len(req.Cmd) == 0 {
		return nil, errors.New("command is required")
	}
	if req.Stdin == "" {
		return req.Cmd, nil
	}
	if req.Workspace == "" {
		return nil, errors.New("stdin requires a workspace")
	}

	if err := os.WriteFile(filepath.Join(req.Workspace, stdinFile), []byte(req.Stdin), 0o600); err != nil {
		return nil, fmt.Errorf("write stdin: %w", err)
	}

	return RedirectStdin(req.Cmd, stdinFile), nil
}

// RedirectStdin rewrites cmd into a shell invocation reading from file.
func RedirectStdin(cmd []string, file string) []string {
	if len(cmd) == 3 && cmd[0] == "sh" && cmd[1] == "-c" {
		return []string{"sh", "-c", cmd[2] + " < " + shellQuote(file)}
	}

	quoted := make([]string, len(cmd))
	for i, part := range cmd {
		quoted[i] = shellQuote(part)
	}
	return []string{"sh", "-c", strings.Join(quoted, " ") + " < " + shellQuote(file)}
}

func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// cappedBuffer keeps the first limit bytes and silently discards the rest,
// so a noisy submission cannot exhaust memory.
type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.Buffer.Write(p[:room])
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

// Close shuts down the executor's underlying client.
func (e *DockerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
