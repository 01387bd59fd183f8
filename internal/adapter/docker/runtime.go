package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"relayctl/internal/relay"
	relayimage "relayctl/internal/relay/image"
	"relayctl/internal/relay/orchestrator"
)

var (
	_ orchestrator.ContainerRuntime = (*Runtime)(nil)
	_ relayimage.Runtime            = (*Runtime)(nil)
)

// Runtime implements the pod and image runtimes on the Docker Engine API.
type Runtime struct {
	cli *client.Client
}

// NewRuntime creates a Runtime with a new Docker client from the environment.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

// NewRuntimeFromClient wraps an existing Docker client.
func NewRuntimeFromClient(cli *client.Client) *Runtime {
	return &Runtime{cli: cli}
}

func (r *Runtime) WaitReady(ctx context.Context) error {
	return WaitReady(ctx, r.cli)
}

func (r *Runtime) ContainerCreate(ctx context.Context, spec relay.ContainerSpec) error {
	cc, hc, nc, err := createConfig(spec)
	if err != nil {
		return fmt.Errorf("container config %q: %w", spec.Name, err)
	}
	if _, err := r.cli.ContainerCreate(ctx, cc, hc, nc, nil, spec.Name); err != nil {
		return fmt.Errorf("create container %q: %w", spec.Name, classify(err))
	}
	return nil
}

func (r *Runtime) ContainerStart(ctx context.Context, name string) error {
	if err := r.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", name, classify(err))
	}
	return nil
}

func (r *Runtime) ContainerStop(ctx context.Context, name string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}
	if err := r.cli.ContainerStop(ctx, name, opts); err != nil {
		return fmt.Errorf("stop container %q: %w", name, classify(err))
	}
	return nil
}

func (r *Runtime) ContainerRemove(ctx context.Context, name string, force bool) error {
	if err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("remove container %q: %w", name, classify(err))
	}
	return nil
}

func (r *Runtime) ContainerList(ctx context.Context, labels map[string]string) ([]relay.ContainerStatus, error) {
	args := filters.NewArgs()
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		args.Add("label", k+"="+labels[k])
	}
	list, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", classify(err))
	}

	out := make([]relay.ContainerStatus, 0, len(list))
	for _, c := range list {
		out = append(out, containerStatus(c))
	}
	slices.SortFunc(out, func(a, b relay.ContainerStatus) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (r *Runtime) ContainerLogs(ctx context.Context, name string, lines int) (string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if lines > 0 {
		opts.Tail = strconv.Itoa(lines)
	}
	rc, err := r.cli.ContainerLogs(ctx, name, opts)
	if err != nil {
		return "", fmt.Errorf("container logs %q: %w", name, classify(err))
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("read logs %q: %w", name, err)
	}
	return string(bytes.TrimSpace(buf.Bytes())), nil
}

func (r *Runtime) NetworkInspect(ctx context.Context, name string) (relay.NetworkInfo, error) {
	nw, err := r.cli.NetworkInspect(ctx, name, dockernetwork.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return relay.NetworkInfo{Exists: false}, nil
		}
		return relay.NetworkInfo{}, fmt.Errorf("inspect network %q: %w", name, classify(err))
	}
	return relay.NetworkInfo{ID: nw.ID, Exists: true, Internal: nw.Internal, Labels: nw.Labels}, nil
}

func (r *Runtime) NetworkCreate(ctx context.Context, spec relay.NetworkSpec) error {
	_, err := r.cli.NetworkCreate(ctx, spec.Name, dockernetwork.CreateOptions{
		Driver:   "bridge",
		Scope:    "local",
		Internal: spec.Internal,
		Labels:   spec.Labels,
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", spec.Name, classify(err))
	}
	return nil
}

func (r *Runtime) NetworkRemove(ctx context.Context, name string) error {
	if err := r.cli.NetworkRemove(ctx, name); err != nil {
		return fmt.Errorf("remove network %q: %w", name, classify(err))
	}
	return nil
}

func (r *Runtime) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := r.cli.ImageInspect(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect image %q: %w", ref, classify(err))
	}
	return true, nil
}

func (r *Runtime) ImagePull(ctx context.Context, ref string) error {
	pull, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, classify(err))
	}
	defer pull.Close()
	// Pull failures after the request was accepted only show up in the stream.
	if err := jsonmessage.DisplayJSONMessagesStream(pull, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	return nil
}

func (r *Runtime) Close() error {
	return r.cli.Close()
}

func createConfig(spec relay.ContainerSpec) (*container.Config, *container.HostConfig, *dockernetwork.NetworkingConfig, error) {
	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return nil, nil, nil, err
	}

	cc := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          spec.Env,
		Hostname:     spec.Hostname,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hc := &container.HostConfig{
		NetworkMode:  container.NetworkMode(spec.NetworkMode),
		ExtraHosts:   spec.ExtraHosts,
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}
	for _, m := range spec.Mounts {
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var nc *dockernetwork.NetworkingConfig
	if spec.NetworkMode == "" && spec.Network != "" {
		hc.NetworkMode = container.NetworkMode(spec.Network)
		nc = &dockernetwork.NetworkingConfig{
			EndpointsConfig: map[string]*dockernetwork.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}
	return cc, hc, nc, nil
}

func portBindings(ports []relay.PortMapping) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port, err := nat.NewPort(p.Protocol, strconv.Itoa(int(p.ContainerPort)))
		if err != nil {
			return nil, nil, fmt.Errorf("port %d/%s: %w", p.ContainerPort, p.Protocol, err)
		}
		exposed[port] = struct{}{}
		if p.HostPort == 0 && p.HostIP == "" {
			continue
		}
		binding := nat.PortBinding{HostIP: p.HostIP}
		if p.HostPort != 0 {
			binding.HostPort = strconv.Itoa(int(p.HostPort))
		}
		bindings[port] = append(bindings[port], binding)
	}
	if len(bindings) == 0 {
		bindings = nil
	}
	return exposed, bindings, nil
}

func containerStatus(c container.Summary) relay.ContainerStatus {
	name := c.ID
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return relay.ContainerStatus{
		Name:     name,
		Role:     c.Labels[relay.LabelRole],
		Image:    c.Image,
		State:    string(c.State),
		ExitCode: exitCode(c.Status),
		Status:   c.Status,
	}
}

// exitCode extracts the code from a status line such as "Exited (137) 2 minutes ago".
func exitCode(status string) int {
	rest, ok := strings.CutPrefix(status, "Exited (")
	if !ok {
		return 0
	}
	code, _, ok := strings.Cut(rest, ")")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0
	}
	return n
}

// classify marks daemon connection failures as unavailable so callers can
// treat them as transient.
func classify(err error) error {
	if err == nil || errdefs.IsUnavailable(err) {
		return err
	}
	if client.IsErrConnectionFailed(err) {
		return errors.Join(errdefs.ErrUnavailable, err)
	}
	return err
}
