// Package orchestrator creates, starts, stops and removes relay pods. A pod
// is the set of containers labelled with its name plus, for isolated
// topologies, the private network it owns.
package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/containerd/errdefs"

	"relayctl/internal/relay"
)

const (
	DefaultPullTimeout  = 10 * time.Minute
	DefaultStartTimeout = 60 * time.Second
	DefaultStopTimeout  = 10 * time.Second

	cleanupTimeout = 30 * time.Second
	pollInterval   = 250 * time.Millisecond
)

// ContainerRuntime is the subset of the container engine a pod needs.
type ContainerRuntime interface {
	WaitReady(ctx context.Context) error
	ContainerCreate(ctx context.Context, spec relay.ContainerSpec) error
	ContainerStart(ctx context.Context, name string) error
	ContainerStop(ctx context.Context, name string, timeout time.Duration) error
	ContainerRemove(ctx context.Context, name string, force bool) error
	ContainerList(ctx context.Context, labels map[string]string) ([]relay.ContainerStatus, error)
	ContainerLogs(ctx context.Context, name string, lines int) (string, error)
	NetworkInspect(ctx context.Context, name string) (relay.NetworkInfo, error)
	NetworkCreate(ctx context.Context, spec relay.NetworkSpec) error
	NetworkRemove(ctx context.Context, name string) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	ImagePull(ctx context.Context, ref string) error
}

type Orchestrator struct {
	rt           ContainerRuntime
	pullTimeout  time.Duration
	startTimeout time.Duration
	stopTimeout  time.Duration
	log          *slog.Logger
}

type Option func(*Orchestrator)

// WithPullTimeout bounds each pull of a container image missing at create.
func WithPullTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pullTimeout = d
		}
	}
}

func WithStartTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.startTimeout = d
		}
	}
}

func WithStopTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

func New(rt ContainerRuntime, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rt:           rt,
		pullTimeout:  DefaultPullTimeout,
		startTimeout: DefaultStartTimeout,
		stopTimeout:  DefaultStopTimeout,
		log:          slog.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ready blocks until the container runtime answers or ctx is done.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if err := o.rt.WaitReady(ctx); err != nil {
		return runtimeErr("connect to container runtime", "", err)
	}
	return nil
}

// Inspect returns the observed state of the pod.
func (o *Orchestrator) Inspect(ctx context.Context, ref relay.PodRef) (relay.PodStatus, error) {
	containers, err := o.rt.ContainerList(ctx, map[string]string{relay.LabelPod: ref.Name()})
	if err != nil {
		return relay.PodStatus{}, runtimeErr("list containers", ref.Name(), err)
	}
	return relay.PodStatus{
		Name:       ref.Name(),
		State:      relay.AggregateState(containers),
		Containers: containers,
	}, nil
}

// Create creates every resource of the pod without starting it. A pod that
// already exists in any state is rejected with relay.ErrAlreadyExists.
// Resources created before a failure are removed again.
func (o *Orchestrator) Create(ctx context.Context, topo relay.Topology) (err error) {
	ref := topo.Ref()
	pod := ref.Name()
	log := o.log.With("pod", pod)

	status, err := o.Inspect(ctx, ref)
	if err != nil {
		return err
	}
	if status.State.Exists() {
		return fmt.Errorf("%w: pod %q is %s", relay.ErrAlreadyExists, pod, status.State)
	}

	if err := o.ensureImages(ctx, pod, topo.Containers); err != nil {
		return err
	}

	var created []string
	networkCreated := false
	defer func() {
		if err == nil {
			return
		}
		log.Warn("create failed, removing partial pod", "err", err, "containers", len(created))
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		for _, name := range slices.Backward(created) {
			if rerr := o.rt.ContainerRemove(cctx, name, true); rerr != nil && !errdefs.IsNotFound(rerr) {
				log.Warn("remove partial container", "container", name, "err", rerr)
			}
		}
		if networkCreated {
			if rerr := o.rt.NetworkRemove(cctx, topo.Network.Name); rerr != nil && !errdefs.IsNotFound(rerr) {
				log.Warn("remove partial network", "network", topo.Network.Name, "err", rerr)
			}
		}
	}()

	if nw := topo.Network; nw != nil {
		info, err := o.rt.NetworkInspect(ctx, nw.Name)
		if err != nil {
			return runtimeErr("inspect network", nw.Name, err)
		}
		switch {
		case nw.Owned && info.Exists && info.Labels[relay.LabelPod] == pod:
			log.Debug("reusing leftover pod network", "network", nw.Name)
		case nw.Owned && info.Exists:
			return runtimeErr("create network", nw.Name, fmt.Errorf("network exists and belongs to another owner: %w", errdefs.ErrConflict))
		case nw.Owned:
			if err := o.rt.NetworkCreate(ctx, *nw); err != nil {
				return runtimeErr("create network", nw.Name, err)
			}
			networkCreated = true
		case !info.Exists:
			return runtimeErr("attach network", nw.Name, fmt.Errorf("agent network does not exist: %w", errdefs.ErrNotFound))
		}
	}

	for _, spec := range topo.Containers {
		if err := o.rt.ContainerCreate(ctx, spec); err != nil {
			if errdefs.IsConflict(err) {
				return fmt.Errorf("%w: container %q: %v", relay.ErrAlreadyExists, spec.Name, err)
			}
			return runtimeErr("create container", spec.Name, err)
		}
		created = append(created, spec.Name)
	}
	log.Debug("pod created", "containers", len(created))
	return nil
}

func (o *Orchestrator) ensureImages(ctx context.Context, pod string, specs []relay.ContainerSpec) error {
	seen := make(map[string]bool)
	for _, spec := range specs {
		if seen[spec.Image] {
			continue
		}
		seen[spec.Image] = true
		ok, err := o.rt.ImageExists(ctx, spec.Image)
		if err != nil {
			return runtimeErr("inspect image", spec.Image, err)
		}
		if ok {
			continue
		}
		if err := o.pull(ctx, pod, spec.Image); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) pull(ctx context.Context, pod, ref string) error {
	pctx, cancel := context.WithTimeout(ctx, o.pullTimeout)
	defer cancel()

	o.log.Info("pulling image", "pod", pod, "image", ref)
	err := o.rt.ImagePull(pctx, ref)
	switch {
	case err == nil:
		return nil
	case errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return &relay.TimeoutError{Op: "pull " + ref, Pod: pod, After: o.pullTimeout, Err: err}
	default:
		return runtimeErr("pull image", ref, err)
	}
}

// Start starts all containers of the pod and waits until they run. The
// register container runs first and must exit with 0; once it has, later
// starts skip it. A start exceeding the start timeout removes the pod and
// returns a *relay.TimeoutError.
func (o *Orchestrator) Start(ctx context.Context, ref relay.PodRef) error {
	pod := ref.Name()
	status, err := o.Inspect(ctx, ref)
	if err != nil {
		return err
	}
	if !status.State.Exists() {
		return fmt.Errorf("start pod %q: %w", pod, relay.ErrNoExistingPod)
	}
	if status.State == relay.PodRunning {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()

	err = o.start(sctx, ref, status.Containers)
	if err == nil {
		o.log.Debug("pod running", "pod", pod)
		return nil
	}
	if !errors.Is(sctx.Err(), context.DeadlineExceeded) || ctx.Err() != nil {
		return err
	}

	o.log.Warn("start timed out, removing pod", "pod", pod, "timeout", o.startTimeout)
	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer ccancel()
	if serr := o.Stop(cctx, ref); serr != nil {
		o.log.Warn("stop after start timeout", "pod", pod, "err", serr)
	}
	if rerr := o.Remove(cctx, ref); rerr != nil {
		o.log.Warn("remove after start timeout", "pod", pod, "err", rerr)
	}
	return &relay.TimeoutError{Op: "start", Pod: pod, After: o.startTimeout}
}

func (o *Orchestrator) start(ctx context.Context, ref relay.PodRef, containers []relay.ContainerStatus) error {
	for _, c := range startOrder(containers) {
		switch {
		case c.Role == relay.RoleRegister:
			if c.State == relay.ContainerExited && c.ExitCode == 0 {
				continue
			}
			if err := o.rt.ContainerStart(ctx, c.Name); err != nil {
				return runtimeErr("start container", c.Name, err)
			}
			if err := o.waitExited(ctx, ref, c.Name); err != nil {
				return err
			}
		case c.State == relay.ContainerRunning:
		default:
			if err := o.rt.ContainerStart(ctx, c.Name); err != nil {
				return runtimeErr("start container", c.Name, err)
			}
		}
	}
	return o.waitRunning(ctx, ref)
}

// waitExited waits for a run-once container to finish and fails unless it
// exited with 0.
func (o *Orchestrator) waitExited(ctx context.Context, ref relay.PodRef, name string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := o.Inspect(ctx, ref)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(status.Containers, func(c relay.ContainerStatus) bool { return c.Name == name })
		if i < 0 {
			return runtimeErr("wait container", name, fmt.Errorf("container vanished: %w", errdefs.ErrNotFound))
		}
		switch c := status.Containers[i]; c.State {
		case relay.ContainerExited, relay.ContainerDead:
			if c.ExitCode != 0 || c.State == relay.ContainerDead {
				return runtimeErr("register relay", name, fmt.Errorf("container %s with code %d", c.State, c.ExitCode))
			}
			o.log.Debug("relay registered", "pod", ref.Name(), "container", name)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) waitRunning(ctx context.Context, ref relay.PodRef) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := o.Inspect(ctx, ref)
		if err != nil {
			return err
		}
		switch status.State {
		case relay.PodRunning:
			return nil
		case relay.PodFailed:
			return runtimeErr("start pod", ref.Name(), fmt.Errorf("container exited: %s", describe(status.Containers)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop stops every running container of the pod. Stopping a stopped or
// absent pod is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, ref relay.PodRef) error {
	status, err := o.Inspect(ctx, ref)
	if err != nil {
		return err
	}
	order := startOrder(status.Containers)
	for _, c := range slices.Backward(order) {
		switch c.State {
		case relay.ContainerRunning, relay.ContainerRestarting, relay.ContainerPaused:
		default:
			continue
		}
		if err := o.rt.ContainerStop(ctx, c.Name, o.stopTimeout); err != nil && !errdefs.IsNotFound(err) {
			return runtimeErr("stop container", c.Name, err)
		}
	}
	return nil
}

// Remove force-removes the pod's containers and its owned network.
// Removing an absent pod is a no-op.
func (o *Orchestrator) Remove(ctx context.Context, ref relay.PodRef) error {
	pod := ref.Name()
	status, err := o.Inspect(ctx, ref)
	if err != nil {
		return err
	}
	for _, c := range status.Containers {
		if err := o.rt.ContainerRemove(ctx, c.Name, true); err != nil && !errdefs.IsNotFound(err) {
			return runtimeErr("remove container", c.Name, err)
		}
	}

	netName := relay.PrivateNetworkName(ref.Site, ref.Kind)
	info, err := o.rt.NetworkInspect(ctx, netName)
	if err != nil {
		return runtimeErr("inspect network", netName, err)
	}
	if info.Exists && info.Labels[relay.LabelPod] == pod {
		if err := o.rt.NetworkRemove(ctx, netName); err != nil && !errdefs.IsNotFound(err) {
			return runtimeErr("remove network", netName, err)
		}
	}
	return nil
}

// Logs returns the last lines of output of the container playing role.
func (o *Orchestrator) Logs(ctx context.Context, ref relay.PodRef, role string, lines int) (string, error) {
	name := relay.ContainerName(ref.Name(), role)
	out, err := o.rt.ContainerLogs(ctx, name, lines)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("container %q: %w", name, relay.ErrNoExistingPod)
		}
		return "", runtimeErr("read logs", name, err)
	}
	return out, nil
}

// startOrder sorts containers by relay.StartRank.
func startOrder(containers []relay.ContainerStatus) []relay.ContainerStatus {
	out := slices.Clone(containers)
	slices.SortStableFunc(out, func(a, b relay.ContainerStatus) int {
		return cmp.Compare(relay.StartRank(a.Role), relay.StartRank(b.Role))
	})
	return out
}

func describe(containers []relay.ContainerStatus) string {
	var out string
	for i, c := range containers {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %s (%d)", c.Name, c.State, c.ExitCode)
	}
	return out
}
