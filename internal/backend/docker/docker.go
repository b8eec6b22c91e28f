// Package docker implements the compute backend on a local Docker daemon.
// Unlike remote batch services, containers on the local daemon are network
// reachable, so this backend also supports interactive probes.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/apperrors"
	"github.com/DRSY/codalab-worksheets/internal/backend"
)

const managedByLabel = "codalab-worker"

// Config holds the settings for the Docker backend.
type Config struct {
	// NetworkPrefix namespaces the containers launched by this worker.
	NetworkPrefix string `mapstructure:"network_prefix"`
	// StopTimeoutSeconds is how long Docker waits for a container to exit
	// after a cancel before killing it.
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds"`
}

// Client implements backend.Client and backend.Netcatter on Docker.
type Client struct {
	docker        *client.Client
	networkPrefix string
	stopTimeout   int
}

var (
	_ backend.Client    = (*Client)(nil)
	_ backend.Netcatter = (*Client)(nil)
)

// New creates the Docker backend using the environment's daemon settings.
func New(cfg Config) (*Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}

	stopTimeout := cfg.StopTimeoutSeconds
	if stopTimeout <= 0 {
		stopTimeout = 10
	}

	return &Client{
		docker:        docker,
		networkPrefix: cfg.NetworkPrefix,
		stopTimeout:   stopTimeout,
	}, nil
}

func (c *Client) Name() string {
	return "docker"
}

// Capacity reports the host's locally-known limits. Disk is left at zero
// until a usage scan populates it; callers treat all values as advisory.
func (c *Client) Capacity() backend.Capacity {
	return backend.Capacity{
		CPUs:        runtime.NumCPU(),
		GPUs:        0,
		MemoryBytes: hostMemoryBytes(),
	}
}

func (c *Client) Submit(ctx context.Context, spec backend.JobSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for name, value := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", name, value))
	}

	containerConfig := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        env,
		WorkingDir: "/workdir",
		Labels: map[string]string{
			"managed-by": managedByLabel,
			"run.name":   spec.Name,
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPUs) * 1e9,
			Memory:   spec.Resources.MemoryBytes,
		},
	}
	if spec.WorkDir != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkDir,
			Target: "/workdir",
		}}
	}

	name := spec.Name
	if c.networkPrefix != "" {
		name = fmt.Sprintf("%s_%s", c.networkPrefix, spec.Name)
	}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", apperrors.Transient("docker.ContainerCreate", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leak avoidance: remove the created container rather than retrying
		// the start, so a failed submission never leaves capacity behind.
		_ = c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", apperrors.Transient("docker.ContainerStart", err)
	}

	log.Info().Str("container_id", resp.ID).Str("run_name", spec.Name).Msg("Started run container")
	return resp.ID, nil
}

func (c *Client) Status(ctx context.Context, handle string) (backend.JobStatus, error) {
	inspect, err := c.docker.ContainerInspect(ctx, handle)
	if client.IsErrNotFound(err) {
		return backend.JobStatus{}, apperrors.NotFound("container", handle)
	} else if err != nil {
		return backend.JobStatus{}, apperrors.Transient("docker.ContainerInspect", err)
	}

	status := backend.JobStatus{State: backend.StateUnknown}
	switch {
	case inspect.State == nil:
		return status, nil
	case inspect.State.Status == "created":
		status.State = backend.StatePending
	case inspect.State.Running:
		status.State = backend.StateRunning
	default:
		status.ExitCode = null.IntFrom(int64(inspect.State.ExitCode))
		if inspect.State.ExitCode == 0 {
			status.State = backend.StateSucceeded
		} else {
			status.State = backend.StateFailed
			status.Reason = inspect.State.Error
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !t.IsZero() {
		status.StartedAt = null.TimeFrom(t.UTC())
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil && !t.IsZero() {
		status.FinishedAt = null.TimeFrom(t.UTC())
	}
	return status, nil
}

func (c *Client) Cancel(ctx context.Context, handle string) error {
	timeout := c.stopTimeout
	err := c.docker.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if client.IsErrNotFound(err) {
		// Already gone; cancellation is best-effort.
		return nil
	} else if err != nil {
		return apperrors.Transient("docker.ContainerStop", err)
	}
	return nil
}

// Netcat writes message to the given port of the run's container and
// returns the reply.
func (c *Client) Netcat(ctx context.Context, handle string, port int, message []byte) ([]byte, error) {
	inspect, err := c.docker.ContainerInspect(ctx, handle)
	if client.IsErrNotFound(err) {
		return nil, apperrors.NotFound("container", handle)
	} else if err != nil {
		return nil, apperrors.Transient("docker.ContainerInspect", err)
	}

	ip := containerIP(inspect)
	if ip == "" {
		return nil, apperrors.Transient("docker.Netcat", fmt.Errorf("container %s has no network address", handle))
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, apperrors.Transient("docker.Netcat", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Str("container_id", handle).Msg("Could not close netcat connection")
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(message); err != nil {
		return nil, apperrors.Transient("docker.Netcat", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, apperrors.Transient("docker.Netcat", err)
	}
	return reply, nil
}

func containerIP(inspect container.InspectResponse) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return inspect.NetworkSettings.IPAddress
	}
	for _, network := range inspect.NetworkSettings.Networks {
		if network.IPAddress != "" {
			return network.IPAddress
		}
	}
	return ""
}
