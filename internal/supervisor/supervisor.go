// Package supervisor runs the hypermedia gateway as a Docker container and
// keeps it running: an existing container is adopted on start, a container
// that dies is respawned with exponential backoff, and shutdown sends SIGTERM.
package supervisor

import (
	"context"
	"fablab/pkg/backoff"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Container labels identifying the managed gateway.
const (
	LabelManagedBy = "managed-by"
	ManagedBy      = "fablab-service"
	LabelRole      = "fablab.role"
	RoleGateway    = "gateway"
)

// DockerAPI is the subset of the Docker client used by the supervisor.
// *client.Client satisfies it.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	Close() error
}

// MetricsRecorder receives gateway restarts.
type MetricsRecorder interface {
	RecordGatewayRestart(ctx context.Context, reason string)
}

// Supervisor manages the gateway container.
type Supervisor struct {
	docker  DockerAPI
	cfg     Config
	metrics MetricsRecorder
	state   gatewayState
	logger  *slog.Logger

	mu          sync.Mutex
	cancelWatch context.CancelFunc
	watchWg     sync.WaitGroup
}

// New creates a supervisor talking to the Docker daemon configured in the
// environment. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) (*Supervisor, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewWithClient(dockerClient, cfg, metrics), nil
}

// NewWithClient creates a supervisor using docker.
func NewWithClient(docker DockerAPI, cfg Config, metrics MetricsRecorder) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		docker:  docker,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.With("component", "supervisor", "container", cfg.ContainerName),
	}
}

// Start makes sure the gateway container is running and begins watching it.
func (s *Supervisor) Start(ctx context.Context) error {
	id, err := s.reconcile(ctx)
	if err != nil {
		return err
	}
	s.state.setContainer(id)

	watchCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelWatch = cancel
	s.mu.Unlock()

	s.watchWg.Add(1)
	go func() {
		defer s.watchWg.Done()
		s.watch(watchCtx)
	}()
	return nil
}

// reconcile adopts a gateway container left by a previous run, starting it
// if needed, or creates a new one. Containers running another image are
// replaced.
func (s *Supervisor) reconcile(ctx context.Context) (string, error) {
	containers, err := s.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedBy),
			filters.Arg("label", LabelRole+"="+RoleGateway),
		),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}

	for i := range containers {
		c := &containers[i]
		if !hasName(c, s.cfg.ContainerName) {
			continue
		}
		if c.Image != s.cfg.Image {
			s.logger.Info("Replacing gateway container with outdated image", "containerId", c.ID, "image", c.Image)
			s.removeContainer(ctx, c.ID)
			continue
		}
		if c.State == "running" {
			s.logger.Info("Adopted running gateway container", "containerId", c.ID)
			s.state.started(time.Now())
			return c.ID, nil
		}
		if err := s.docker.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
			s.logger.Warn("Failed to start existing gateway container, recreating", "containerId", c.ID, "error", err)
			s.removeContainer(ctx, c.ID)
			continue
		}
		s.logger.Info("Started existing gateway container", "containerId", c.ID)
		s.state.started(time.Now())
		return c.ID, nil
	}

	return s.create(ctx)
}

func hasName(c *container.Summary, name string) bool {
	for _, n := range c.Names {
		if strings.TrimPrefix(n, "/") == name {
			return true
		}
	}
	return false
}

// create pulls the image if needed, then creates and starts the container.
func (s *Supervisor) create(ctx context.Context) (string, error) {
	// Detached so a slow pull is not cut short by the caller's deadline.
	if err := s.pullImageIfNeeded(context.WithoutCancel(ctx)); err != nil {
		return "", fmt.Errorf("failed to pull gateway image: %w", err)
	}

	containerConfig := &container.Config{
		Image: s.cfg.Image,
		Cmd:   s.cfg.Cmd,
		Env:   s.cfg.Env,
		Labels: map[string]string{
			LabelManagedBy: ManagedBy,
			LabelRole:      RoleGateway,
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory: s.cfg.MemoryLimit,
		},
		ExtraHosts: s.cfg.ExtraHosts,
	}

	if s.cfg.Port != "" {
		port, err := nat.NewPort("tcp", s.cfg.Port)
		if err != nil {
			return "", fmt.Errorf("invalid gateway port %q: %w", s.cfg.Port, err)
		}
		containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostPort: s.cfg.Port}}}
	}

	resp, err := s.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, s.cfg.ContainerName)
	if err != nil {
		return "", fmt.Errorf("failed to create gateway container: %w", err)
	}
	if err := s.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.removeContainer(ctx, resp.ID)
		return "", fmt.Errorf("failed to start gateway container: %w", err)
	}

	s.logger.Info("Created gateway container", "containerId", resp.ID, "image", s.cfg.Image)
	s.state.started(time.Now())
	return resp.ID, nil
}

func (s *Supervisor) pullImageIfNeeded(ctx context.Context) error {
	images, err := s.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", s.cfg.Image)),
	})
	if err == nil && len(images) > 0 {
		return nil
	}

	reader, err := s.docker.ImagePull(ctx, s.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// watch respawns the gateway whenever it dies. The event stream is
// resubscribed after every respawn and after stream errors.
func (s *Supervisor) watch(ctx context.Context) {
	for ctx.Err() == nil {
		if !s.follow(ctx) {
			// Event stream error - wait before reconnecting
			if err := backoff.Sleep(ctx, time.Second); err != nil {
				return
			}
		}
	}
}

// follow watches the current container until it dies (returning true after
// a respawn attempt) or the event stream fails (returning false).
func (s *Supervisor) follow(ctx context.Context) bool {
	id := s.state.containerID()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe first, then inspect, so an exit in between is not missed.
	eventCh, errCh := s.docker.Events(subCtx, events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("container", id),
			filters.Arg("event", string(events.ActionDie)),
		),
	})

	inspect, err := s.docker.ContainerInspect(ctx, id)
	switch {
	case ctx.Err() != nil:
		return true
	case err != nil:
		s.logger.Warn("Gateway container not found", "containerId", id, "error", err)
		s.respawn(ctx, -1)
		return true
	case inspect.ContainerJSONBase != nil && inspect.State != nil && !inspect.State.Running:
		s.respawn(ctx, inspect.State.ExitCode)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return true
		case err := <-errCh:
			if ctx.Err() != nil {
				return true
			}
			s.logger.Warn("Event stream disconnected, reconnecting", "error", err)
			return false
		case ev := <-eventCh:
			if ev.Actor.ID != id || ev.Action != events.ActionDie {
				continue
			}
			s.respawn(ctx, exitCode(ev))
			return true
		}
	}
}

// respawn restarts the dead gateway after a backoff delay, recreating the
// container when it can no longer be started.
func (s *Supervisor) respawn(ctx context.Context, code int) {
	attempt := s.state.exited(code, time.Now(), s.cfg.StableAfter)
	delay := backoff.Exponential(attempt, &s.cfg.RestartBackoff)
	s.logger.Warn("Gateway exited, restarting", "exitCode", code, "attempt", attempt, "delay", delay)

	if err := backoff.Sleep(ctx, delay); err != nil {
		return
	}

	reason := "exited"
	if code == 137 {
		reason = "killed"
	}

	id := s.state.containerID()
	if err := s.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Failed to restart gateway container, recreating", "containerId", id, "error", err)
		s.removeContainer(ctx, id)
		newID, err := s.create(ctx)
		if err != nil {
			s.logger.Error("Failed to recreate gateway container", "error", err)
			return
		}
		s.state.setContainer(newID)
		reason = "recreated"
	} else {
		s.state.started(time.Now())
	}

	s.state.restarted()
	if s.metrics != nil {
		s.metrics.RecordGatewayRestart(ctx, reason)
	}
	s.logger.Info("Gateway restarted", "containerId", s.state.containerID(), "reason", reason)
}

func exitCode(ev events.Message) int {
	if code, err := strconv.Atoi(ev.Actor.Attributes["exitCode"]); err == nil {
		return code
	}
	return -1
}

// Stop ends supervision and sends SIGTERM to the gateway. The container is
// force-stopped if it has not exited within the stop timeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancelWatch
	s.cancelWatch = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.watchWg.Wait()

	id := s.state.containerID()
	if id == "" {
		return nil
	}

	if err := s.docker.ContainerKill(ctx, id, "SIGTERM"); err != nil {
		return fmt.Errorf("failed to signal gateway: %w", err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancelWait()
	code, err := s.waitForExit(waitCtx, id)
	if err != nil {
		s.logger.Warn("Gateway ignored SIGTERM, forcing stop", "error", err)
		timeout := 0
		return s.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	}
	s.logger.Info("Gateway stopped", "containerId", id, "exitCode", code)
	return nil
}

func (s *Supervisor) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := s.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (s *Supervisor) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	if err := s.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		s.logger.Debug("Failed to remove container", "containerId", containerID, "error", err)
	}
}

// Status returns the gateway's current supervision state.
func (s *Supervisor) Status() Status {
	return s.state.snapshot()
}

// Ready checks if the Docker daemon is reachable and responsive.
func (s *Supervisor) Ready(ctx context.Context) error {
	_, err := s.docker.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (s *Supervisor) Close() error {
	return s.docker.Close()
}
