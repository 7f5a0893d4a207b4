package agent

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"
)

// ContainerOptions configures the container of one engine turn.
type ContainerOptions struct {
	ThreadID    string
	TurnID      string
	Image       string
	Environment map[string]string
	Cmd         []string
}

// DockerRuntime runs engine containers, one per turn.
type DockerRuntime struct {
	client       *client.Client
	imageDefault string
	cpuLimit     string
	memLimit     string
	networkMode  string
}

func NewDockerRuntime(host, imageDefault, cpuLimit, memLimit, networkMode string) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	}

	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("agent.NewDockerRuntime: %w", err)
	}

	return &DockerRuntime{
		client:       c,
		imageDefault: imageDefault,
		cpuLimit:     cpuLimit,
		memLimit:     memLimit,
		networkMode:  networkMode,
	}, nil
}

// ContainerName returns the name given to the container of a turn.
func ContainerName(turnID string) string {
	return "tako-turn-" + turnID
}

// ContainerEnv builds the environment passed to an engine container.
func ContainerEnv(opts ContainerOptions) []string {
	env := make([]string, 0, len(opts.Environment)+2)
	env = append(env,
		"TAKO_THREAD_ID="+opts.ThreadID,
		"TAKO_TURN_ID="+opts.TurnID,
	)
	for k, v := range opts.Environment {
		env = append(env, k+"="+v)
	}
	return env
}

// CreateContainer creates the container for a turn and applies resource limits.
func (d *DockerRuntime) CreateContainer(ctx context.Context, opts ContainerOptions) (string, error) {
	image := opts.Image
	if image == "" {
		image = d.imageDefault
	}

	memLimit, err := parseMemoryLimit(d.memLimit)
	if err != nil {
		return "", fmt.Errorf("agent.DockerRuntime.CreateContainer: %w", err)
	}

	cpuQuota, err := parseCPULimit(d.cpuLimit)
	if err != nil {
		return "", fmt.Errorf("agent.DockerRuntime.CreateContainer: %w", err)
	}

	cfg := &container.Config{
		Image: image,
		Env:   ContainerEnv(opts),
		Cmd:   opts.Cmd,
		Labels: map[string]string{
			"tako.thread_id": opts.ThreadID,
			"tako.turn_id":   opts.TurnID,
		},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   memLimit,
			CPUQuota: cpuQuota,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, ContainerName(opts.TurnID))
	if err != nil {
		return "", fmt.Errorf("agent.DockerRuntime.CreateContainer: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerStart(ctx, containerID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("agent.DockerRuntime.StartContainer: %w", err)
	}
	return nil
}

// StopContainer stops a running container with a timeout.
func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10 // seconds
	stopOpts := container.StopOptions{Timeout: &timeout}
	err := d.client.ContainerStop(ctx, containerID, stopOpts)
	if err != nil {
		return fmt.Errorf("agent.DockerRuntime.StopContainer: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("agent.DockerRuntime.RemoveContainer: %w", err)
	}
	return nil
}

// StreamStdout returns a reader over the container's demultiplexed stdout.
// Stderr lines are logged at debug level.
func (d *DockerRuntime) StreamStdout(ctx context.Context, containerID string) (io.ReadCloser, error) {
	reader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("agent.DockerRuntime.StreamStdout: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer reader.Close()
		_, copyErr := stdcopy.StdCopy(pw, stderrLogger{containerID: containerID}, reader)
		_ = pw.CloseWithError(copyErr)
	}()

	return pr, nil
}

// WaitContainer waits for container to exit, returns exit code.
func (d *DockerRuntime) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	waitCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case result := <-waitCh:
		if result.Error != nil {
			return result.StatusCode, fmt.Errorf("agent.DockerRuntime.WaitContainer: %s", result.Error.Message)
		}
		return result.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("agent.DockerRuntime.WaitContainer: %w", err)
	case <-ctx.Done():
		return -1, fmt.Errorf("agent.DockerRuntime.WaitContainer: %w", ctx.Err())
	}
}

// Close closes the Docker client.
func (d *DockerRuntime) Close() error {
	err := d.client.Close()
	if err != nil {
		return fmt.Errorf("agent.DockerRuntime.Close: %w", err)
	}
	return nil
}

type stderrLogger struct {
	containerID string
}

func (l stderrLogger) Write(p []byte) (int, error) {
	log.Debug().Str("container_id", l.containerID).Bytes("stderr", p).Msg("agent.DockerRuntime: engine stderr")
	return len(p), nil
}
