// Package cmdutil wires the relay engine from user config and global flags.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"relayctl/config"
	"relayctl/internal/adapter/bazel"
	"relayctl/internal/adapter/checkmk"
	"relayctl/internal/adapter/docker"
	"relayctl/internal/adapter/omd"
	"relayctl/internal/adapter/sqlite"
	"relayctl/internal/relay/image"
	"relayctl/internal/relay/lifecycle"
	"relayctl/internal/relay/orchestrator"
	"relayctl/internal/relay/site"
	"relayctl/internal/relay/topology"
	"relayctl/internal/relay/workspace"
)

// Options are the global flags every command shares.
type Options struct {
	Site  string
	URL   string
	Debug bool
}

// Engine is a wired lifecycle controller plus the resources it holds open.
type Engine struct {
	*lifecycle.Controller
	closers []func() error
}

// NewEngineFrom wraps an already wired controller.
func NewEngineFrom(ctl *lifecycle.Controller, closers ...func() error) *Engine {
	return &Engine{Controller: ctl, closers: closers}
}

func (e *Engine) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Factory builds an Engine for one command invocation. Tests swap it for
// one backed by fakes.
type Factory func(ctx context.Context, opts Options, tracer trace.Tracer) (*Engine, error)

// NewEngine wires the engine against Docker, the omd tool, bazel and the
// site REST API, using the user config with flag overrides.
func NewEngine(ctx context.Context, opts Options, tracer trace.Tracer) (*Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if u := strings.TrimSpace(opts.URL); u != "" {
		cfg.URL = u
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("--url: %w", err)
		}
	}

	rt, err := docker.NewRuntime()
	if err != nil {
		return nil, err
	}
	ws := workspace.New(cfg.WorkDir)
	store, err := sqlite.Open(ws.StatePath())
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	wd, err := os.Getwd()
	if err != nil {
		wd = ""
	}
	api := checkmk.New(checkmk.WithTimeout(cfg.ProbeTimeout))
	sites := site.New(site.Connection{
		URL:          cfg.URL,
		Username:     cfg.Username,
		Password:     cfg.Password,
		AgentNetwork: cfg.AgentNetwork,
	}, omd.New(),
		site.WithEnv(os.Getenv),
		site.WithWorkDir(wd),
		site.WithVersionClient(api),
		site.WithProbeTimeout(cfg.ProbeTimeout),
	)

	ctl := lifecycle.New(lifecycle.Deps{
		Sites:     sites,
		Images:    image.New(bazel.New(), rt, image.WithRegistry(cfg.Registry), image.WithPullTimeout(cfg.PullTimeout)),
		Topology:  topology.New(topology.WithSNMPDImage(cfg.SNMPDImage)),
		Pods:      orchestrator.New(rt,
			orchestrator.WithPullTimeout(cfg.PullTimeout),
			orchestrator.WithStartTimeout(cfg.StartTimeout),
			orchestrator.WithStopTimeout(cfg.StopTimeout),
		),
		Store:     store,
		Workspace: ws,
		Hosts:     api,
		Registry:  api,
	},
		lifecycle.WithRetryDelay(cfg.RetryDelay),
		lifecycle.WithTracer(tracer),
	)
	return NewEngineFrom(ctl, store.Close, rt.Close), nil
}
