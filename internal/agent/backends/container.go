package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tako/internal/agent"
	"github.com/gosuda/tako/internal/stream"
)

const (
	containerImage  = "ghcr.io/gosuda/tako-engine:latest"
	cleanupTimeout  = 30 * time.Second
	envPrompt       = "TAKO_PROMPT"
	envCheckpoint   = "TAKO_CHECKPOINT"
	containerEngine = "docker"
)

var (
	// ErrNoRuntime is returned when the container engine is built without a Docker runtime.
	ErrNoRuntime = errors.New("backends: docker runtime not configured") //nolint:gochecknoglobals // sentinel error
	// ErrEngineExit is returned when an engine container exits non-zero.
	ErrEngineExit = errors.New("backends: engine exited with failure") //nolint:gochecknoglobals // sentinel error
)

// ContainerRuntime is the container lifecycle the container engine drives.
// *agent.DockerRuntime implements it.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, opts agent.ContainerOptions) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StreamStdout(ctx context.Context, containerID string) (io.ReadCloser, error)
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
}

// ContainerEngine runs each turn in a fresh container. The prompt and the
// resume state go in through the environment; events come back as NDJSON on
// stdout.
type ContainerEngine struct {
	runtime   ContainerRuntime
	image     string
	cmd       []string
	transport agent.TransportHandler
}

// NewContainerEngine is the registry factory for the "docker" engine type.
func NewContainerEngine(opts agent.EngineOptions) (agent.Engine, error) {
	if opts.Runtime == nil {
		return nil, fmt.Errorf("backends.NewContainerEngine: %w", ErrNoRuntime)
	}
	return NewContainerEngineWithRuntime(opts.Runtime, opts.Image, opts.Cmd), nil
}

func NewContainerEngineWithRuntime(rt ContainerRuntime, image string, cmd []string) *ContainerEngine {
	if image == "" {
		image = containerImage
	}
	return &ContainerEngine{
		runtime:   rt,
		image:     image,
		cmd:       cmd,
		transport: agent.NDJSONTransport{},
	}
}

func (e *ContainerEngine) Name() string { return containerEngine }

func (e *ContainerEngine) Stream(ctx context.Context, req agent.Request) iter.Seq2[stream.RawEvent, error] {
	return func(yield func(stream.RawEvent, error) bool) {
		env := map[string]string{envPrompt: req.Prompt}
		if state := agent.ResumeState(ctx, req.Checkpoint); state != nil {
			env[envCheckpoint] = string(state)
		}

		containerID, err := e.runtime.CreateContainer(ctx, agent.ContainerOptions{
			ThreadID:    req.ThreadID,
			TurnID:      req.TurnID,
			Image:       e.image,
			Environment: env,
			Cmd:         e.cmd,
		})
		if err != nil {
			yield(stream.RawEvent{}, fmt.Errorf("backends.ContainerEngine.Stream: %w", err))
			return
		}

		exited := false
		defer func() { e.cleanup(containerID, exited) }()

		if err := e.runtime.StartContainer(ctx, containerID); err != nil {
			yield(stream.RawEvent{}, fmt.Errorf("backends.ContainerEngine.Stream: %w", err))
			return
		}

		out, err := e.runtime.StreamStdout(ctx, containerID)
		if err != nil {
			yield(stream.RawEvent{}, fmt.Errorf("backends.ContainerEngine.Stream: %w", err))
			return
		}
		defer out.Close()

		for ev, err := range agent.DecodeEvents(ctx, out, e.transport, req.Checkpoint) {
			if err != nil {
				yield(stream.RawEvent{}, fmt.Errorf("backends.ContainerEngine.Stream: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		code, err := e.runtime.WaitContainer(ctx, containerID)
		if err != nil {
			yield(stream.RawEvent{}, fmt.Errorf("backends.ContainerEngine.Stream: %w", err))
			return
		}
		exited = true
		if code != 0 {
			yield(stream.RawEvent{}, fmt.Errorf("backends.ContainerEngine.Stream: exit code %d: %w", code, ErrEngineExit))
		}
	}
}

// cleanup stops a container that may still run and removes it. It outlives the
// turn's context so cancelled turns do not leak containers.
func (e *ContainerEngine) cleanup(containerID string, exited bool) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if !exited {
		if err := e.runtime.StopContainer(ctx, containerID); err != nil {
			log.Warn().Err(err).Str("container_id", containerID).Msg("backends.ContainerEngine: failed to stop container")
		}
	}
	if err := e.runtime.RemoveContainer(ctx, containerID); err != nil {
		log.Error().Err(err).Str("container_id", containerID).Msg("backends.ContainerEngine: failed to remove container")
	}
}
