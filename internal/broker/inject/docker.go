package inject

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManagedBy = "2kc.managed-by"
	managedByValue = "2kc"

	// dockerLogsTimeout bounds the log fetch after the container stopped.
	dockerLogsTimeout = 10 * time.Second
)

// DockerRunner runs the command inside a throwaway container instead of on
// the host.  The granted secrets still travel via the environment; the
// container boundary only limits what the child can reach.
type DockerRunner struct {
	client *dockerclient.Client
	image  string
}

// NewDockerRunner creates a sandboxed runner using the given image.  The
// Docker host comes from the environment or the default socket.
func NewDockerRunner(image string) (*DockerRunner, error) {
	if image == "" {
		return nil, fmt.Errorf("inject: sandbox image is required")
	}
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("inject: docker client: %w", err)
	}
	return &DockerRunner{client: cli, image: image}, nil
}

func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	cfg := &container.Config{
		Image:  r.image,
		Cmd:    spec.Command,
		Env:    spec.Env,
		Labels: map[string]string{labelManagedBy: managedByValue},
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: create container: %v", ErrSpawnFailure, err)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), dockerLogsTimeout)
		defer cancel()
		_ = r.client.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("%w: start container: %v", ErrSpawnFailure, err)
	}

	exitCode := -1
	waitCh, errCh := r.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), dockerLogsTimeout)
		defer cancel()
		_ = r.client.ContainerKill(killCtx, resp.ID, "SIGKILL")
	case err := <-errCh:
		return RunResult{}, fmt.Errorf("inject: wait for container: %w", err)
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	}

	// Fetch whatever output the container produced, even after a kill, so
	// the redactor still sees it.
	logsCtx, cancel := context.WithTimeout(context.Background(), dockerLogsTimeout)
	defer cancel()
	logs, err := r.client.ContainerLogs(logsCtx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return RunResult{ExitCode: exitCode}, fmt.Errorf("inject: fetch container logs: %w", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(spec.Stdout, spec.Stderr, logs); err != nil {
		return RunResult{ExitCode: exitCode}, fmt.Errorf("inject: demultiplex container logs: %w", err)
	}

	return RunResult{ExitCode: exitCode}, nil
}
