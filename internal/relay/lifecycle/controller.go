// Package lifecycle drives relay pods through up, down, restart and kill.
//
// Up resolves the site, image and topology only when the pod does not exist
// yet. Restart and kill work from the pod name and the deployment record and
// never resolve anything.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"relayctl/internal/relay"
	"relayctl/internal/relay/image"
	"relayctl/internal/relay/topology"
	"relayctl/pkg/telemetry"
)

const (
	DefaultRetryDelay   = 2 * time.Second
	DefaultReadyTimeout = 30 * time.Second
)

type SiteResolver interface {
	// Identify determines the site name and connection without probing it.
	Identify(ctx context.Context, explicit string) (relay.Site, error)
	// Resolve also determines the site's product version.
	Resolve(ctx context.Context, explicit string) (relay.Site, error)
}

type ImageResolver interface {
	Resolve(ctx context.Context, site relay.Site, req image.Request) (relay.Image, error)
}

type TopologyBuilder interface {
	// Check rejects sites a pod of kind can never attach to.
	Check(kind relay.Kind, site relay.Site) error
	Build(ctx context.Context, req topology.Request) (relay.Topology, error)
}

// Pods is the pod-level view of the container runtime.
type Pods interface {
	Ready(ctx context.Context) error
	Inspect(ctx context.Context, ref relay.PodRef) (relay.PodStatus, error)
	Create(ctx context.Context, topo relay.Topology) error
	Start(ctx context.Context, ref relay.PodRef) error
	Stop(ctx context.Context, ref relay.PodRef) error
	Remove(ctx context.Context, ref relay.PodRef) error
	Logs(ctx context.Context, ref relay.PodRef, role string, lines int) (string, error)
}

// DeploymentStore persists one record per created pod.
type DeploymentStore interface {
	Put(ctx context.Context, d relay.Deployment) error
	Get(ctx context.Context, pod string) (relay.Deployment, bool, error)
	List(ctx context.Context) ([]relay.Deployment, error)
	Delete(ctx context.Context, pod string) error
}

// Workspace holds the files a pod mounts.
type Workspace interface {
	ConfigDir(ref relay.PodRef) string
	Write(ref relay.PodRef, manifestName string, manifest []byte, cfg relay.RelayConfig) error
	Remove(ref relay.PodRef) error
}

// HostLister discovers monitoring targets configured on the site.
type HostLister interface {
	Hosts(ctx context.Context, site relay.Site) ([]string, error)
}

// RelayRegistry removes relay registrations from the site.
type RelayRegistry interface {
	DeregisterAlias(ctx context.Context, site relay.Site, alias string) (int, error)
}

// Deps are the collaborators of a Controller. Hosts and Registry are optional.
type Deps struct {
	Sites     SiteResolver
	Images    ImageResolver
	Topology  TopologyBuilder
	Pods      Pods
	Store     DeploymentStore
	Workspace Workspace
	Hosts     HostLister
	Registry  RelayRegistry
}

type Controller struct {
	Deps
	retryDelay   time.Duration
	readyTimeout time.Duration
	tracer       trace.Tracer
	now          func() time.Time
	newID        func() string
	log          *slog.Logger
}

type Option func(*Controller)

// WithRetryDelay sets the pause before the single retry of a transient
// runtime failure.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

func WithReadyTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(deps Deps, opts ...Option) *Controller {
	c := &Controller{
		Deps:         deps,
		retryDelay:   DefaultRetryDelay,
		readyTimeout: DefaultReadyTimeout,
		tracer:       telemetry.DefaultTracer(),
		now:          time.Now,
		newID:        uuid.NewString,
		log:          slog.With("component", "lifecycle"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identify maps a kind and an optional explicit site to a pod reference
// without probing the site.
func (c *Controller) Identify(ctx context.Context, kind relay.Kind, explicit string) (relay.PodRef, error) {
	if !kind.IsValid() {
		return relay.PodRef{}, stageErr("identify", relay.StageTopology,
			&relay.TopologyBuildError{Kind: kind, Reason: relay.ReasonInvalidManifest, Detail: "unknown relay kind"})
	}
	site, err := c.Sites.Identify(ctx, explicit)
	if err != nil {
		return relay.PodRef{}, stageErr("identify", relay.StageSite, err)
	}
	return relay.PodRef{Site: site.Name, Kind: kind}, nil
}

type Outcome uint8

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeStarted
	OutcomeAlreadyUp
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeStarted:
		return "started"
	case OutcomeAlreadyUp:
		return "already-up"
	default:
		return "unknown"
	}
}

// UpRequest describes the pod Up should bring up.
type UpRequest struct {
	Kind relay.Kind
	// Site is an explicit site name; empty runs the identification chain.
	Site  string
	Image image.Request
	// Targets are the hosts a standard relay monitors. Empty asks the site.
	Targets []string
	// Reconfigure replaces an existing pod with a freshly resolved one.
	Reconfigure bool
}

type UpResult struct {
	Pod     relay.PodRef
	Outcome Outcome
	// Site and Image are only set when the pod was created.
	Site  relay.Site
	Image relay.Image
}

// Up makes sure the pod of the requested kind runs. An existing pod is
// started as it is; a missing one is resolved, created and started.
func (c *Controller) Up(ctx context.Context, req UpRequest) (res UpResult, err error) {
	ref, err := c.Identify(ctx, req.Kind, req.Site)
	if err != nil {
		return res, err
	}
	res.Pod = ref

	op, ctx := c.operation(ctx, "relay.up", ref, telemetry.Steps(
		"inspect", "inspecting pod",
		"resolve-site", "resolving site",
		"resolve-image", "resolving image",
		"build-topology", "building topology",
		"create", "creating pod",
		"start", "starting pod",
	))
	defer func() {
		op.SetAttributes(attribute.String(telemetry.OutcomeKey, res.Outcome.String()))
		op.End(err)
	}()

	if err := c.ready(ctx, "up"); err != nil {
		return res, err
	}
	var status relay.PodStatus
	if err := op.RunStep(ctx, "inspect", func(ctx context.Context) error {
		status, err = c.inspect(ctx, "up", ref)
		return err
	}); err != nil {
		return res, err
	}

	switch {
	case status.State.Exists() && req.Reconfigure:
		c.log.Info("removing pod for reconfiguration", "pod", ref.Name(), "state", status.State)
		if err := c.Pods.Remove(ctx, ref); err != nil {
			return res, stageErr("up", relay.StageRuntime, err)
		}
	case status.State == relay.PodRunning:
		c.log.Info("pod already running", "pod", ref.Name())
		res.Outcome = OutcomeAlreadyUp
		return res, nil
	case status.State.Exists():
		if err := op.RunStep(ctx, "start", func(ctx context.Context) error {
			return c.retry(ctx, "up", "start", func(ctx context.Context) error { return c.Pods.Start(ctx, ref) })
		}); err != nil {
			return res, err
		}
		c.log.Info("pod started", "pod", ref.Name(), "previous", status.State)
		res.Outcome = OutcomeStarted
		return res, nil
	}

	topo, err := c.resolve(ctx, op, ref, req)
	if err != nil {
		return res, err
	}
	res.Site, res.Image = topo.Site, topo.Image

	if err := c.Workspace.Write(ref, topology.ManifestFile(ref.Kind), topo.Manifest, topo.Config); err != nil {
		return res, fmt.Errorf("up %s: write workspace: %w", ref, err)
	}
	if err := op.RunStep(ctx, "create", func(ctx context.Context) error {
		return c.retry(ctx, "up", "create", func(ctx context.Context) error { return c.Pods.Create(ctx, topo) })
	}); err != nil {
		return res, err
	}

	rec := relay.Deployment{
		ID:         c.newID(),
		PodName:    ref.Name(),
		Site:       ref.Site,
		Kind:       ref.Kind,
		Version:    topo.Image.Version,
		Image:      topo.Image,
		Topology:   topo,
		DeployedAt: c.now().UTC(),
	}
	if err := c.Store.Put(ctx, rec); err != nil {
		return res, fmt.Errorf("up %s: record deployment: %w", ref, err)
	}

	if err := op.RunStep(ctx, "start", func(ctx context.Context) error {
		return c.retry(ctx, "up", "start", func(ctx context.Context) error { return c.Pods.Start(ctx, ref) })
	}); err != nil {
		return res, err
	}
	c.log.Info("pod created", "pod", ref.Name(), "image", topo.Image.Ref, "origin", topo.Image.Origin)
	res.Outcome = OutcomeCreated
	return res, nil
}

// resolve runs the resolution pipeline for a pod that does not exist yet:
// site version, monitoring targets, image and topology. A site the topology
// cannot attach to fails before targets or images are looked at.
func (c *Controller) resolve(ctx context.Context, op *telemetry.Operation, ref relay.PodRef, req UpRequest) (relay.Topology, error) {
	var site relay.Site
	if err := op.RunStep(ctx, "resolve-site", func(ctx context.Context) error {
		s, err := c.Sites.Resolve(ctx, req.Site)
		if err != nil {
			return stageErr("up", relay.StageSite, err)
		}
		site = s
		return nil
	}); err != nil {
		return relay.Topology{}, err
	}
	if err := c.Topology.Check(ref.Kind, site); err != nil {
		return relay.Topology{}, stageErr("up", relay.StageTopology, err)
	}

	targets := req.Targets
	if ref.Kind == relay.KindStandardHost && len(targets) == 0 && c.Hosts != nil {
		hosts, err := c.Hosts.Hosts(ctx, site)
		if err != nil {
			return relay.Topology{}, stageErr("up", relay.StageTopology, &relay.TopologyBuildError{
				Kind:   ref.Kind,
				Reason: relay.ReasonNoTargetHosts,
				Detail: "list hosts of site " + site.Name,
				Err:    err,
			})
		}
		c.log.Debug("discovered monitoring targets", "site", site.Name, "hosts", len(hosts))
		targets = hosts
	}

	var img relay.Image
	if err := op.RunStep(ctx, "resolve-image", func(ctx context.Context) error {
		i, err := c.Images.Resolve(ctx, site, req.Image)
		if err != nil {
			return stageErr("up", relay.StageImage, err)
		}
		img = i
		return nil
	}); err != nil {
		return relay.Topology{}, err
	}

	var topo relay.Topology
	if err := op.RunStep(ctx, "build-topology", func(ctx context.Context) error {
		t, err := c.Topology.Build(ctx, topology.Request{
			Kind:      ref.Kind,
			Site:      site,
			Image:     img,
			Targets:   targets,
			ConfigDir: c.Workspace.ConfigDir(ref),
		})
		if err != nil {
			return stageErr("up", relay.StageTopology, err)
		}
		topo = t
		return nil
	}); err != nil {
		return relay.Topology{}, err
	}
	return topo, nil
}

// DownResult reports the state a pod was found in and the state Down left
// it in.
type DownResult struct {
	Pod      relay.PodRef
	Previous relay.PodState
	State    relay.PodState
}

// Down stops every running container of the pod. Absent, stopped and
// created pods are left as they are: a created pod never ran, so there is
// nothing to stop. A failed pod stays failed when one of its containers
// crashed.
func (c *Controller) Down(ctx context.Context, ref relay.PodRef) (res DownResult, err error) {
	op, ctx := c.operation(ctx, "relay.down", ref, telemetry.Steps("inspect", "inspecting pod", "stop", "stopping pod"))
	defer func() { op.End(err) }()
	res.Pod = ref

	if err := c.ready(ctx, "down"); err != nil {
		return res, err
	}
	var status relay.PodStatus
	if err := op.RunStep(ctx, "inspect", func(ctx context.Context) error {
		status, err = c.inspect(ctx, "down", ref)
		return err
	}); err != nil {
		return res, err
	}
	res.Previous, res.State = status.State, status.State
	switch status.State {
	case relay.PodAbsent, relay.PodStopped, relay.PodCreated:
		c.log.Debug("nothing to stop", "pod", ref.Name(), "state", status.State)
		return res, nil
	}
	if err := op.RunStep(ctx, "stop", func(ctx context.Context) error {
		if err := c.Pods.Stop(ctx, ref); err != nil {
			return stageErr("down", relay.StageRuntime, err)
		}
		status, err = c.inspect(ctx, "down", ref)
		return err
	}); err != nil {
		return res, err
	}
	res.State = status.State
	c.log.Info("pod stopped", "pod", ref.Name(), "previous", res.Previous, "state", res.State)
	return res, nil
}

// Restart stops the pod and starts it again from its recorded topology. An
// absent pod is re-created from its record; without a record Restart fails
// with relay.ErrNoExistingPod.
func (c *Controller) Restart(ctx context.Context, ref relay.PodRef) (err error) {
	op, ctx := c.operation(ctx, "relay.restart", ref, telemetry.Steps(
		"inspect", "inspecting pod",
		"stop", "stopping pod",
		"recreate", "re-creating pod from record",
		"start", "starting pod",
	))
	defer func() { op.End(err) }()

	if err := c.ready(ctx, "restart"); err != nil {
		return err
	}
	var status relay.PodStatus
	if err := op.RunStep(ctx, "inspect", func(ctx context.Context) error {
		status, err = c.inspect(ctx, "restart", ref)
		return err
	}); err != nil {
		return err
	}

	if !status.State.Exists() {
		rec, ok, err := c.Store.Get(ctx, ref.Name())
		if err != nil {
			return fmt.Errorf("restart %s: read deployment record: %w", ref, err)
		}
		if !ok {
			return fmt.Errorf("restart %s: %w", ref, relay.ErrNoExistingPod)
		}
		if err := op.RunStep(ctx, "recreate", func(ctx context.Context) error {
			return c.recreate(ctx, rec)
		}); err != nil {
			return err
		}
	} else if err := op.RunStep(ctx, "stop", func(ctx context.Context) error {
		if err := c.Pods.Stop(ctx, ref); err != nil {
			return stageErr("restart", relay.StageRuntime, err)
		}
		return nil
	}); err != nil {
		return err
	}

	if err := op.RunStep(ctx, "start", func(ctx context.Context) error {
		return c.retry(ctx, "restart", "start", func(ctx context.Context) error { return c.Pods.Start(ctx, ref) })
	}); err != nil {
		return err
	}
	c.log.Info("pod restarted", "pod", ref.Name())
	return nil
}

func (c *Controller) recreate(ctx context.Context, rec relay.Deployment) error {
	topo := rec.Topology
	ref := topo.Ref()
	c.log.Info("re-creating pod from record", "pod", ref.Name(), "deployed_at", rec.DeployedAt)
	if err := c.Workspace.Write(ref, topology.ManifestFile(topo.Kind), topo.Manifest, topo.Config); err != nil {
		return fmt.Errorf("restart %s: write workspace: %w", ref, err)
	}
	return c.retry(ctx, "restart", "create", func(ctx context.Context) error { return c.Pods.Create(ctx, topo) })
}

// KillResult reports what Kill found to clean up.
type KillResult struct {
	Pod          relay.PodRef
	Existed      bool
	Recorded     bool
	Deregistered int
}

// Kill removes every trace of the pod: its site registration (best effort),
// containers, network, workspace and record. Killing an absent pod succeeds.
func (c *Controller) Kill(ctx context.Context, ref relay.PodRef) (res KillResult, err error) {
	op, ctx := c.operation(ctx, "relay.kill", ref, telemetry.Steps(
		"deregister", "deregistering relay",
		"remove", "removing pod",
		"cleanup", "removing workspace and record",
	))
	defer func() { op.End(err) }()
	res.Pod = ref

	rec, ok, err := c.Store.Get(ctx, ref.Name())
	if err != nil {
		c.log.Warn("read deployment record", "pod", ref.Name(), "err", err)
	}
	res.Recorded = ok

	_ = op.RunStep(ctx, "deregister", func(ctx context.Context) error {
		if !ok || c.Registry == nil {
			return nil
		}
		n, err := c.Registry.DeregisterAlias(ctx, rec.Topology.Site, ref.Kind.Alias())
		if err != nil {
			c.log.Warn("deregister relay", "pod", ref.Name(), "alias", ref.Kind.Alias(), "err", err)
			return err
		}
		res.Deregistered = n
		return nil
	})

	if err := c.ready(ctx, "kill"); err != nil {
		return res, err
	}
	if err := op.RunStep(ctx, "remove", func(ctx context.Context) error {
		status, err := c.inspect(ctx, "kill", ref)
		if err != nil {
			return err
		}
		res.Existed = status.State.Exists()
		if err := c.Pods.Remove(ctx, ref); err != nil {
			return stageErr("kill", relay.StageRuntime, err)
		}
		return nil
	}); err != nil {
		return res, err
	}

	if err := op.RunStep(ctx, "cleanup", func(ctx context.Context) error {
		if err := c.Workspace.Remove(ref); err != nil {
			return fmt.Errorf("kill %s: remove workspace: %w", ref, err)
		}
		if err := c.Store.Delete(ctx, ref.Name()); err != nil {
			return fmt.Errorf("kill %s: delete deployment record: %w", ref, err)
		}
		return nil
	}); err != nil {
		return res, err
	}
	c.log.Info("pod killed", "pod", ref.Name(), "existed", res.Existed, "deregistered", res.Deregistered)
	return res, nil
}

// PodReport pairs a deployment record with the pod's observed state.
type PodReport struct {
	Deployment relay.Deployment
	Status     relay.PodStatus
}

// Status reports every recorded pod.
func (c *Controller) Status(ctx context.Context) ([]PodReport, error) {
	recs, err := c.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	if err := c.ready(ctx, "status"); err != nil {
		return nil, err
	}
	out := make([]PodReport, 0, len(recs))
	for _, rec := range recs {
		status, err := c.inspect(ctx, "status", relay.PodRef{Site: rec.Site, Kind: rec.Kind})
		if err != nil {
			return nil, err
		}
		out = append(out, PodReport{Deployment: rec, Status: status})
	}
	return out, nil
}

// Deployments returns the recorded pods.
func (c *Controller) Deployments(ctx context.Context) ([]relay.Deployment, error) {
	recs, err := c.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return recs, nil
}

// Logs returns the last lines of output of one pod container.
func (c *Controller) Logs(ctx context.Context, ref relay.PodRef, role string, lines int) (string, error) {
	if err := c.ready(ctx, "logs"); err != nil {
		return "", err
	}
	out, err := c.Pods.Logs(ctx, ref, role, lines)
	if err != nil {
		if errors.Is(err, relay.ErrNoExistingPod) {
			return "", fmt.Errorf("logs %s: %w", ref, err)
		}
		return "", stageErr("logs", relay.StageRuntime, err)
	}
	return out, nil
}

func (c *Controller) operation(ctx context.Context, name string, ref relay.PodRef, plan telemetry.Plan) (*telemetry.Operation, context.Context) {
	op, err := telemetry.Start(ctx, c.tracer, name, plan,
		attribute.String(telemetry.PodKey, ref.Name()),
		attribute.String(telemetry.SiteKey, ref.Site),
		attribute.String(telemetry.KindKey, ref.Kind.String()),
	)
	if err != nil {
		c.log.Debug("telemetry disabled for operation", "op", name, "err", err)
		return nil, ctx
	}
	return op, op.Context()
}

func (c *Controller) ready(ctx context.Context, op string) error {
	ctx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	if err := c.Pods.Ready(ctx); err != nil {
		return stageErr(op, relay.StageRuntime, err)
	}
	return nil
}

func (c *Controller) inspect(ctx context.Context, op string, ref relay.PodRef) (relay.PodStatus, error) {
	status, err := c.Pods.Inspect(ctx, ref)
	if err != nil {
		return relay.PodStatus{}, stageErr(op, relay.StageRuntime, err)
	}
	return status, nil
}

// retry runs fn and repeats it once after the retry delay when it failed
// with a transient runtime error.
func (c *Controller) retry(ctx context.Context, op, step string, fn func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !relay.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warn("transient runtime failure, retrying", "op", op, "step", step, "delay", d, "err", err)
		}),
	)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, relay.ErrAlreadyExists) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return stageErr(op, relay.StageRuntime, err)
}

func stageErr(op string, stage relay.Stage, err error) error {
	var se *relay.StageError
	if errors.As(err, &se) {
		return err
	}
	return &relay.StageError{Op: op, Stage: stage, Err: err}
}
