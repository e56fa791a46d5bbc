// Package daemon wraps the container-daemon capability set from spec §6
// ({pull_image, run_container, exec_in_container, stop_container,
// inspect}) around the Docker Engine API client, grounded on the Docker
// client call shapes used in FeatureBaseDB-featurebase's
// dax/test/docker and dax/test/inspector packages and on the exec/stdin
// handling in original_source/src/docker/container.rs.
package daemon

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
)

// Daemon is the capability set the Container Pool and Instance Registry
// drive; production code talks to a real Docker Engine, tests substitute
// a fake that implements the same interface.
type Daemon interface {
	Ping(ctx context.Context) error
	PullImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) bool
	RunContainer(ctx context.Context, opts RunOptions) (containerID string, hostPort int, err error)
	ExecInContainer(ctx context.Context, containerID string, cmd Command) (ExecResult, error)
	ExecWithStdin(ctx context.Context, containerID string, cmd Command, stdin []byte) (ExecResult, error)
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	ListLabeled(ctx context.Context, labelKey, labelValue string) ([]Discovered, error)

	// ExecStream is like ExecInContainer but exposes stdout/stderr as
	// live readers instead of fully-buffered byte slices, so a caller
	// can parse output as it arrives rather than waiting for the
	// process to exit.
	ExecStream(ctx context.Context, containerID string, cmd Command) (*Stream, error)
}

// Stream is a live demultiplexed exec session. Callers must read Stdout
// and Stderr to completion (or cancel ctx) before calling Wait, which
// blocks for the underlying goroutine to finish draining and returns
// the process exit code.
type Stream struct {
	Stdout io.Reader
	Stderr io.Reader

	cancel func()
	done   chan struct{}
	result ExecResult
	err    error
}

// Wait blocks until the exec session's output has been fully drained
// and returns its exit code.
func (s *Stream) Wait() (ExecResult, error) {
	<-s.done
	return s.result, s.err
}

// Kill terminates the in-container process by canceling the stream's
// context, used by the query pipeline on deadline/client-disconnect.
func (s *Stream) Kill() {
	s.cancel()
}

// Command is the daemon-level argv+env to exec inside a container.
type Command struct {
	Bin  string
	Args []string
	Env  []string
}

// RunOptions describes a container to create and start.
type RunOptions struct {
	Name          string
	Image         string
	Env           []string
	ContainerPort int
	MemoryMB      int
	Labels        map[string]string
}

// ExecResult is the outcome of a docker exec.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Discovered is a container found via label-filtered listing, used by
// the registry and pool to recover state after a process restart.
type Discovered struct {
	ContainerID string
	Labels      map[string]string
	HostPort    int
	Running     bool
}

type dockerDaemon struct {
	cli *client.Client
	log *logrus.Entry
}

// New connects to the local Docker Engine using the environment's
// standard DOCKER_HOST/DOCKER_CERT_PATH conventions.
func New(log *logrus.Entry) (Daemon, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return &dockerDaemon{cli: cli, log: log}, nil
}

func (d *dockerDaemon) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *dockerDaemon) ImageExists(ctx context.Context, imageRef string) bool {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, imageRef)
	return err == nil
}

func (d *dockerDaemon) PullImage(ctx context.Context, imageRef string) error {
	d.log.WithField("image", imageRef).Info("pulling image")
	reader, err := d.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageRef, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull progress for %s: %w", imageRef, err)
	}
	return nil
}

func (d *dockerDaemon) RunContainer(ctx context.Context, opts RunOptions) (string, int, error) {
	if !d.ImageExists(ctx, opts.Image) {
		if err := d.PullImage(ctx, opts.Image); err != nil {
			return "", 0, err
		}
	}

	portKey := nat.Port(fmt.Sprintf("%d/tcp", opts.ContainerPort))
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			portKey: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Resources: container.Resources{Memory: int64(opts.MemoryMB) * 1024 * 1024},
	}

	cfg := &container.Config{
		Image:        opts.Image,
		Env:          opts.Env,
		ExposedPorts: nat.PortSet{portKey: struct{}{}},
		Labels:       opts.Labels,
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", 0, fmt.Errorf("creating container %s: %w", opts.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", 0, fmt.Errorf("starting container %s: %w", resp.ID, err)
	}

	inspect, err := d.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspecting container %s: %w", resp.ID, err)
	}

	hostPort, err := extractHostPort(inspect, portKey)
	if err != nil {
		return resp.ID, 0, err
	}

	d.log.WithFields(logrus.Fields{"container_id": resp.ID, "host_port": hostPort}).Info("container started")
	return resp.ID, hostPort, nil
}

func extractHostPort(inspect types.ContainerJSON, port nat.Port) (int, error) {
	if inspect.NetworkSettings == nil {
		return 0, fmt.Errorf("container has no network settings")
	}
	bindings, ok := inspect.NetworkSettings.Ports[port]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("container has no binding for port %s", port)
	}
	var hostPort int
	if _, err := fmt.Sscanf(bindings[0].HostPort, "%d", &hostPort); err != nil {
		return 0, fmt.Errorf("parsing host port %q: %w", bindings[0].HostPort, err)
	}
	return hostPort, nil
}

func (d *dockerDaemon) ExecInContainer(ctx context.Context, containerID string, cmd Command) (ExecResult, error) {
	return d.exec(ctx, containerID, cmd, nil)
}

func (d *dockerDaemon) ExecWithStdin(ctx context.Context, containerID string, cmd Command, stdin []byte) (ExecResult, error) {
	return d.exec(ctx, containerID, cmd, stdin)
}

func (d *dockerDaemon) exec(ctx context.Context, containerID string, cmd Command, stdin []byte) (ExecResult, error) {
	full := append([]string{cmd.Bin}, cmd.Args...)

	execCfg := container.ExecOptions{
		Cmd:          full,
		Env:          cmd.Env,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
	}

	created, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating exec: %w", err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer attached.Close()

	if stdin != nil {
		if _, err := attached.Conn.Write(stdin); err != nil {
			return ExecResult{}, fmt.Errorf("writing exec stdin: %w", err)
		}
		_ = attached.CloseWrite()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil && err != io.EOF {
		return ExecResult{}, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspecting exec: %w", err)
	}

	return ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *dockerDaemon) ExecStream(ctx context.Context, containerID string, cmd Command) (*Stream, error) {
	full := append([]string{cmd.Bin}, cmd.Args...)

	execCfg := container.ExecOptions{
		Cmd:          full,
		Env:          cmd.Env,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := d.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	s := &Stream{
		Stdout: stdoutR,
		Stderr: stderrR,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer attached.Close()
		defer close(s.done)

		copyDone := make(chan error, 1)
		go func() {
			_, err := stdcopy.StdCopy(stdoutW, stderrW, attached.Reader)
			stdoutW.Close()
			stderrW.Close()
			copyDone <- err
		}()

		select {
		case <-streamCtx.Done():
			attached.Close()
			<-copyDone
		case err := <-copyDone:
			if err != nil && err != io.EOF {
				s.err = fmt.Errorf("reading exec output: %w", err)
			}
		}

		inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			if s.err == nil {
				s.err = fmt.Errorf("inspecting exec: %w", err)
			}
			return
		}
		s.result = ExecResult{ExitCode: inspect.ExitCode}
	}()

	return s, nil
}

func (d *dockerDaemon) StopContainer(ctx context.Context, containerID string) error {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

func (d *dockerDaemon) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

func (d *dockerDaemon) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *dockerDaemon) ListLabeled(ctx context.Context, labelKey, labelValue string) ([]Discovered, error) {
	filterArgs := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", labelKey, labelValue)))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	out := make([]Discovered, 0, len(containers))
	for _, c := range containers {
		inspect, err := d.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			d.log.WithError(err).WithField("container_id", c.ID).Warn("failed to inspect container during recovery")
			continue
		}
		out = append(out, Discovered{
			ContainerID: c.ID,
			Labels:      c.Labels,
			HostPort:    firstHostPort(inspect),
			Running:     inspect.State != nil && inspect.State.Running,
		})
	}
	return out, nil
}

func firstHostPort(inspect types.ContainerJSON) int {
	if inspect.NetworkSettings == nil {
		return 0
	}
	for _, bindings := range inspect.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(bindings[0].HostPort, "%d", &port); err == nil {
			return port
		}
	}
	return 0
}
