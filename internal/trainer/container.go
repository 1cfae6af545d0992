package trainer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"

	"github.com/signalnine/sweep/internal/metrics"
)

const (
	containerWorkDir   = "/workspace"
	containerOutputDir = "/output"
)

// Mount is an additional bind mount for the training container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerExecutor runs the training job in a docker container. The job's
// output directory is bind-mounted at /output and WorkDir, when set, at
// /workspace.
type ContainerExecutor struct {
	Image string
	// Command is a template expanded with Expand; {output} is /output.
	Command     []string
	WorkDir     string
	Env         map[string]string
	ExtraMounts []Mount
	MetricsFile string
	Timeout     time.Duration
	CPULimit    float64
	MemoryLimit int64
	UserID      string
	// LogTail limits how many log lines are kept in train.log; empty keeps all.
	LogTail string
	Logger  *slog.Logger
}

func (e *ContainerExecutor) Run(ctx context.Context, job Job) (*Result, error) {
	if e.Image == "" {
		return nil, fmt.Errorf("no training image configured")
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	outDir, err := filepath.Abs(job.OutputDir())
	if err != nil {
		return nil, fmt.Errorf("resolving output dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	envSlice := make([]string, 0, len(e.Env)+1)
	for k, v := range e.Env {
		envSlice = append(envSlice, k+"="+v)
	}
	envSlice = append(envSlice, "SWEEP_RUN_NAME="+job.RunName)

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: outDir,
		Target: containerOutputDir,
	}}
	if e.WorkDir != "" {
		workDir, err := filepath.Abs(e.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("resolving work dir: %w", err)
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: containerWorkDir,
		})
	}
	for _, m := range e.ExtraMounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if e.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(e.CPULimit * 1e9)
	}
	if e.MemoryLimit > 0 {
		hostCfg.Memory = e.MemoryLimit
	}

	containerCfg := &container.Config{
		Image:      e.Image,
		Cmd:        Expand(e.Command, job, containerOutputDir),
		Env:        envSlice,
		WorkingDir: containerWorkDir,
		Labels:     map[string]string{"sweep": "true", "sweep.run": job.RunName},
	}
	if e.UserID != "" {
		containerCfg.User = e.UserID
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return failed(job, 1, false, 0, fmt.Errorf("starting container: %w", err)), nil
	}

	waitCtx, cancel := withTimeout(ctx, e.Timeout)
	defer cancel()

	waitResult := cli.ContainerWait(waitCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case err := <-waitResult.Error:
			if err == nil {
				continue
			}
			cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
			e.saveLogs(cli, containerID, outDir, logger)
			timedOut := e.Timeout > 0 && waitCtx.Err() == context.DeadlineExceeded
			code := 1
			if timedOut {
				code = exitCodeTimeout
			}
			return failed(job, code, timedOut, time.Since(start), fmt.Errorf("waiting for container: %w", err)), nil
		case status := <-waitResult.Result:
			duration := time.Since(start)
			e.saveLogs(cli, containerID, outDir, logger)
			if status.StatusCode != 0 {
				code := int(status.StatusCode)
				return failed(job, code, false, duration, fmt.Errorf("container exited with status %d", code)), nil
			}
			payload := metrics.Payload{}
			if e.MetricsFile != "" {
				payload, err = ReadMetricsFile(resolveMetricsFile(outDir, e.MetricsFile))
				if err != nil {
					logger.Warn("ignoring unreadable metrics file", "run", job.RunName, "error", err)
					payload = metrics.Payload{}
				}
			}
			return succeeded(job, payload, duration), nil
		}
	}
}

// saveLogs copies the container's output into train.log.
func (e *ContainerExecutor) saveLogs(cli *client.Client, containerID, outDir string, logger *slog.Logger) {
	logReader, err := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       e.LogTail,
	})
	if err != nil {
		logger.Warn("reading container logs", "container", containerID, "error", err)
		return
	}
	defer logReader.Close()

	f, err := os.Create(filepath.Join(outDir, "train.log"))
	if err != nil {
		logger.Warn("writing train.log", "error", err)
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, logReader); err != nil {
		logger.Warn("writing train.log", "error", err)
	}
}
