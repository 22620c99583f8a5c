// Package containerruntime wraps the Docker SDK behind the Runtime/Handle
// shape the lifecycle daemon needs to create, start, stop, and destroy the
// per-instance HotPocket container (spec section 4.1), grounded on the
// teacher's internal/worker/runtime/docker.go DockerRuntime/DockerHandle
// pair but generalized from a single exec-and-wait job to a long-lived,
// restartable, port-bound service container.
package containerruntime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/go-connections/nat"

	dockerclient "github.com/docker/docker/client"

	"evernest.io/sashimono-agent/internal/errs"
)

// CreateTimeout is the hard ceiling on container creation (spec section 9:
// "container creation carries a hard timeout so a stalled image pull or
// daemon hang doesn't wedge the lifecycle daemon's single request
// processor").
const CreateTimeout = 120 * time.Second

// PortBinding is one container-port -> host-port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Proto         string // "tcp" or "udp"
}

// CreateOptions describes the container the lifecycle daemon wants built
// for a new instance.
type CreateOptions struct {
	Name        string
	Image       string
	Bindings    []PortBinding
	Binds       []string // host-path:container-path bind mounts (contract dir)
	User        string   // "10000:0" - contract run-as UID/GID, fixed per spec section 4.1
	Env         []string
}

// Runtime is the subset of container lifecycle operations the lifecycle
// daemon depends on, kept as an interface (teacher's runtime.Runtime) so
// tests can substitute a fake without a Docker daemon.
type Runtime interface {
	Create(ctx context.Context, opts CreateOptions) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (Status, error)
	Logs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error)
}

// Status is the subset of container state the daemon reconciles against
// instancestore.Status.
type Status struct {
	Running bool
	Exited  bool
}

// DockerRuntime implements Runtime with the real Docker SDK.
type DockerRuntime struct {
	client *dockerclient.Client
}

// NewDockerRuntime dials the Docker daemon using the standard environment
// (DOCKER_HOST etc.), following the teacher's client construction.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// splitImageSuffix strips a "--" suffix from the image name (spec section
// 4.1: "the image name accepts a suffix after -- which is stripped before
// the runtime is invoked").
func splitImageSuffix(image string) string {
	if idx := strings.Index(image, "--"); idx >= 0 {
		return image[:idx]
	}
	return image
}

// Create ensures the image is present (pulling if absent) and creates a
// stopped container with the instance's port bindings and bind mounts. It
// does not start the container.
func (d *DockerRuntime) Create(ctx context.Context, opts CreateOptions) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CreateTimeout)
	defer cancel()

	imageName := splitImageSuffix(opts.Image)

	if _, err := d.client.ImageInspect(ctx, imageName); err != nil {
		reader, err := d.client.ImagePull(ctx, imageName, image.PullOptions{})
		if err != nil {
			return "", errs.New(errs.DockerImageInvalid, fmt.Errorf("pull image %s: %w", imageName, err))
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	exposed, portMap, err := toPortSet(opts.Bindings)
	if err != nil {
		return "", errs.New(errs.ContainerConfError, err)
	}

	containerConfig := &container.Config{
		Image:        imageName,
		User:         opts.User,
		Env:          opts.Env,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings: portMap,
		Binds:        opts.Binds,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return "", errs.New(errs.ContainerConfError, fmt.Errorf("create container %s: %w", opts.Name, err))
	}
	return resp.ID, nil
}

func toPortSet(bindings []PortBinding) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	portMap := nat.PortMap{}
	for _, b := range bindings {
		proto := b.Proto
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprintf("%d", b.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("port %d/%s: %w", b.ContainerPort, proto, err)
		}
		exposed[port] = struct{}{}
		portMap[port] = append(portMap[port], nat.PortBinding{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", b.HostPort)})
	}
	return exposed, portMap, nil
}

// Start starts a previously created container.
func (d *DockerRuntime) Start(ctx context.Context, containerID string) error {
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return errs.New(errs.ContainerStartError, err)
	}
	return nil
}

// Stop gracefully stops a running container.
func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeoutSecs := 10
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		return errs.New(errs.ContainerUpdateError, err)
	}
	return nil
}

// Remove force-removes a container, used by destroy (spec section 4.1).
func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return errs.New(errs.ContainerDestroyError, err)
	}
	return nil
}

// Inspect reports whether the container is currently running or has
// exited on its own, the signal the daemon uses to reconcile
// instancestore.StatusExited (spec section 3).
func (d *DockerRuntime) Inspect(ctx context.Context, containerID string) (Status, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return Status{}, errs.New(errs.ContainerNotFound, err)
	}
	if info.State == nil {
		return Status{}, nil
	}
	return Status{Running: info.State.Running, Exited: info.State.Status == "exited"}, nil
}

// Logs streams container stdout/stderr, backing the CLI's attach/inspect
// support.
func (d *DockerRuntime) Logs(ctx context.Context, containerID string, follow bool) (io.ReadCloser, error) {
	return d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
}
