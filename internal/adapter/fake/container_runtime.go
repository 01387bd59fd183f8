package fake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"relayctl/internal/adapter/fake/fault"
	"relayctl/internal/check"
	"relayctl/internal/relay"
)

const (
	FaultRuntimeWaitReady       = "runtime.wait_ready"
	FaultRuntimeContainerCreate = "runtime.container_create"
	FaultRuntimeContainerStart  = "runtime.container_start"
	FaultRuntimeContainerStop   = "runtime.container_stop"
	FaultRuntimeContainerRemove = "runtime.container_remove"
	FaultRuntimeContainerList   = "runtime.container_list"
	FaultRuntimeContainerLogs   = "runtime.container_logs"
	FaultRuntimeNetworkInspect  = "runtime.network_inspect"
	FaultRuntimeNetworkCreate   = "runtime.network_create"
	FaultRuntimeNetworkRemove   = "runtime.network_remove"
	FaultRuntimeImageExists     = "runtime.image_exists"
	FaultRuntimeImagePull       = "runtime.image_pull"
)

type containerState struct {
	Spec     relay.ContainerSpec
	State    string
	ExitCode int
	Logs     string
}

// ContainerRuntime is an in-memory container runtime. Errors mirror the
// Docker daemon: missing objects are errdefs.ErrNotFound, name clashes are
// errdefs.ErrConflict.
type ContainerRuntime struct {
	CallRecorder
	mu         sync.Mutex
	ready      bool
	containers map[string]*containerState
	networks   map[string]relay.NetworkSpec
	images     map[string]bool
	exitCodes  map[string]int
	faults     *fault.Injector

	// ContainerStartHook runs before a start takes effect and may block,
	// e.g. until ctx is done to simulate a hanging start.
	ContainerStartHook func(ctx context.Context, name string) error
	// ImagePullHook runs before a pull takes effect.
	ImagePullHook func(ctx context.Context, ref string) error
}

// NewContainerRuntime creates a ContainerRuntime that is ready by default.
func NewContainerRuntime() *ContainerRuntime {
	return &ContainerRuntime{
		ready:      true,
		containers: make(map[string]*containerState),
		networks:   make(map[string]relay.NetworkSpec),
		images:     make(map[string]bool),
		exitCodes:  make(map[string]int),
		faults:     fault.NewInjector(),
	}
}

func (r *ContainerRuntime) FailOnce(point string, err error) {
	r.faults.FailOnce(point, err)
}

func (r *ContainerRuntime) FailAlways(point string, err error) {
	r.faults.FailAlways(point, err)
}

func (r *ContainerRuntime) SetFaultHook(point string, hook fault.Hook) {
	r.faults.SetHook(point, hook)
}

func (r *ContainerRuntime) ClearFault(point string) {
	r.faults.Clear(point)
}

func (r *ContainerRuntime) ResetFaults() {
	r.faults.Reset()
}

func (r *ContainerRuntime) evalFault(point string, args ...any) error {
	check.Assert(r.faults != nil, "ContainerRuntime.evalFault: faults injector must not be nil")
	if r.faults == nil {
		return nil
	}
	return r.faults.Eval(point, args...)
}

func (r *ContainerRuntime) WaitReady(ctx context.Context) error {
	r.record("WaitReady")
	if err := r.evalFault(FaultRuntimeWaitReady); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return fmt.Errorf("container runtime not ready: %w", errdefs.ErrUnavailable)
	}
	return nil
}

func (r *ContainerRuntime) ContainerCreate(ctx context.Context, spec relay.ContainerSpec) error {
	r.record("ContainerCreate", spec)
	if err := r.evalFault(FaultRuntimeContainerCreate, spec.Name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.containers[spec.Name]; ok {
		return fmt.Errorf("container name %q is already in use: %w", spec.Name, errdefs.ErrConflict)
	}
	if !r.images[spec.Image] {
		return fmt.Errorf("no such image %q: %w", spec.Image, errdefs.ErrNotFound)
	}
	if spec.Network != "" {
		if _, ok := r.networks[spec.Network]; !ok {
			return fmt.Errorf("network %q: %w", spec.Network, errdefs.ErrNotFound)
		}
	}
	spec.Labels = maps.Clone(spec.Labels)
	r.containers[spec.Name] = &containerState{Spec: spec, State: relay.ContainerCreated}
	return nil
}

func (r *ContainerRuntime) ContainerStart(ctx context.Context, name string) error {
	r.record("ContainerStart", name)
	if err := r.evalFault(FaultRuntimeContainerStart, name); err != nil {
		return err
	}
	if r.ContainerStartHook != nil {
		if err := r.ContainerStartHook(ctx, name); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("container %q: %w", name, errdefs.ErrNotFound)
	}
	code, runOnce := r.exitCodes[name]
	if runOnce || cs.Spec.Role == relay.RoleRegister {
		cs.State = relay.ContainerExited
		cs.ExitCode = code
		return nil
	}
	cs.State = relay.ContainerRunning
	cs.ExitCode = 0
	return nil
}

func (r *ContainerRuntime) ContainerStop(ctx context.Context, name string, timeout time.Duration) error {
	r.record("ContainerStop", name, timeout)
	if err := r.evalFault(FaultRuntimeContainerStop, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("container %q: %w", name, errdefs.ErrNotFound)
	}
	if cs.State == relay.ContainerRunning {
		cs.State = relay.ContainerExited
		cs.ExitCode = 143
	}
	return nil
}

func (r *ContainerRuntime) ContainerRemove(ctx context.Context, name string, force bool) error {
	r.record("ContainerRemove", name, force)
	if err := r.evalFault(FaultRuntimeContainerRemove, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return fmt.Errorf("container %q: %w", name, errdefs.ErrNotFound)
	}
	if cs.State == relay.ContainerRunning && !force {
		return fmt.Errorf("container %q is running, use force to remove: %w", name, errdefs.ErrConflict)
	}
	delete(r.containers, name)
	return nil
}

func (r *ContainerRuntime) ContainerList(ctx context.Context, labels map[string]string) ([]relay.ContainerStatus, error) {
	r.record("ContainerList", labels)
	if err := r.evalFault(FaultRuntimeContainerList); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []relay.ContainerStatus
	for _, name := range slices.Sorted(maps.Keys(r.containers)) {
		cs := r.containers[name]
		if !matchLabels(cs.Spec.Labels, labels) {
			continue
		}
		out = append(out, relay.ContainerStatus{
			Name:     name,
			Role:     cs.Spec.Role,
			Image:    cs.Spec.Image,
			State:    cs.State,
			ExitCode: cs.ExitCode,
			Status:   statusLine(cs),
		})
	}
	return out, nil
}

func (r *ContainerRuntime) ContainerLogs(ctx context.Context, name string, lines int) (string, error) {
	r.record("ContainerLogs", name, lines)
	if err := r.evalFault(FaultRuntimeContainerLogs, name); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.containers[name]
	if !ok {
		return "", fmt.Errorf("container %q: %w", name, errdefs.ErrNotFound)
	}
	all := strings.Split(strings.TrimSpace(cs.Logs), "\n")
	if lines > 0 && len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n"), nil
}

func (r *ContainerRuntime) NetworkInspect(ctx context.Context, name string) (relay.NetworkInfo, error) {
	r.record("NetworkInspect", name)
	if err := r.evalFault(FaultRuntimeNetworkInspect, name); err != nil {
		return relay.NetworkInfo{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.networks[name]
	if !ok {
		return relay.NetworkInfo{Exists: false}, nil
	}
	return relay.NetworkInfo{
		ID:       "fake-" + name,
		Exists:   true,
		Internal: ns.Internal,
		Labels:   maps.Clone(ns.Labels),
	}, nil
}

func (r *ContainerRuntime) NetworkCreate(ctx context.Context, spec relay.NetworkSpec) error {
	r.record("NetworkCreate", spec)
	if err := r.evalFault(FaultRuntimeNetworkCreate, spec.Name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.networks[spec.Name]; ok {
		return fmt.Errorf("network %q already exists: %w", spec.Name, errdefs.ErrConflict)
	}
	spec.Labels = maps.Clone(spec.Labels)
	r.networks[spec.Name] = spec
	return nil
}

func (r *ContainerRuntime) NetworkRemove(ctx context.Context, name string) error {
	r.record("NetworkRemove", name)
	if err := r.evalFault(FaultRuntimeNetworkRemove, name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.networks[name]; !ok {
		return fmt.Errorf("network %q: %w", name, errdefs.ErrNotFound)
	}
	for cname, cs := range r.containers {
		if cs.Spec.Network == name {
			return fmt.Errorf("network %q has active endpoint %q: %w", name, cname, errdefs.ErrConflict)
		}
	}
	delete(r.networks, name)
	return nil
}

func (r *ContainerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	r.record("ImageExists", ref)
	if err := r.evalFault(FaultRuntimeImageExists, ref); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[ref], nil
}

func (r *ContainerRuntime) ImagePull(ctx context.Context, ref string) error {
	r.record("ImagePull", ref)
	if err := r.evalFault(FaultRuntimeImagePull, ref); err != nil {
		return err
	}
	if r.ImagePullHook != nil {
		if err := r.ImagePullHook(ctx, ref); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[ref] = true
	return nil
}

func (r *ContainerRuntime) Close() error {
	r.record("Close")
	return nil
}

// SetReady controls whether WaitReady succeeds.
func (r *ContainerRuntime) SetReady(ready bool) {
	r.mu.Lock()
	r.ready = ready
	r.mu.Unlock()
}

// AddImage makes ref available locally without a pull.
func (r *ContainerRuntime) AddImage(ref string) {
	r.mu.Lock()
	r.images[ref] = true
	r.mu.Unlock()
}

// AddNetwork registers a pre-existing network.
func (r *ContainerRuntime) AddNetwork(name string) {
	r.mu.Lock()
	r.networks[name] = relay.NetworkSpec{Name: name}
	r.mu.Unlock()
}

// Exit marks a container as exited with code, simulating a crash or a stop
// outside of the engine.
func (r *ContainerRuntime) Exit(name string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.containers[name]; ok {
		cs.State = relay.ContainerExited
		cs.ExitCode = code
	}
}

// ExitOnStart makes the named container exit with code as soon as it is
// started. Register containers exit with 0 unless told otherwise.
func (r *ContainerRuntime) ExitOnStart(name string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitCodes[name] = code
}

// SetLogs sets the log output returned for a container.
func (r *ContainerRuntime) SetLogs(name, logs string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.containers[name]; ok {
		cs.Logs = logs
	}
}

// Container returns the spec and state of a container.
func (r *ContainerRuntime) Container(name string) (relay.ContainerSpec, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.containers[name]
	if !ok {
		return relay.ContainerSpec{}, "", false
	}
	return cs.Spec, cs.State, true
}

// ContainerNames returns all container names in sorted order.
func (r *ContainerRuntime) ContainerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.containers))
}

// HasNetwork reports whether the named network exists.
func (r *ContainerRuntime) HasNetwork(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.networks[name]
	return ok
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func statusLine(cs *containerState) string {
	switch cs.State {
	case relay.ContainerRunning:
		return "Up"
	case relay.ContainerExited:
		return fmt.Sprintf("Exited (%d)", cs.ExitCode)
	case relay.ContainerCreated:
		return "Created"
	default:
		return cs.State
	}
}
